// Package passport implements the client-certificate acceptance policy
// used on the relay and management channels. TLS itself proves the peer
// holds a key pair (and, when a CA is configured, that the chain
// verifies); the policy additionally restricts which certificate
// subjects are allowed to connect.
package passport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Policy decides whether a peer certificate is accepted. A nil Policy
// accepts every peer that completed the TLS handshake.
type Policy struct {
	any   bool
	names map[string]struct{}
}

// New builds a policy from a list of allowed certificate common names.
// The entry "*" allows any certificate. An empty list yields a nil
// policy, meaning no subject restriction.
func New(allowed []string) *Policy {
	if len(allowed) == 0 {
		return nil
	}
	p := &Policy{names: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		if name == "*" {
			p.any = true
			continue
		}
		p.names[name] = struct{}{}
	}
	return p
}

// Accept reports whether the peer certificate passes the policy.
func (p *Policy) Accept(cert *x509.Certificate) bool {
	if p == nil {
		return true
	}
	if cert == nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.names[cert.Subject.CommonName]
	return ok
}

// ServerTLSConfig loads the server key pair and builds the TLS
// configuration for a mutually-authenticated listener. When caFile is
// set, client chains must verify against it; otherwise any client
// certificate is accepted at the handshake and left to the policy.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
