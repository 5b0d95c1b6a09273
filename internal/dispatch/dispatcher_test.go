package dispatch

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/mediadispatch/internal/config"
	"github.com/flowpbx/mediadispatch/internal/state"

	"go.uber.org/goleak"
)

// testPKI is a throwaway CA with a server key pair on disk and client
// tls configs per relay common name.
type testPKI struct {
	certPath string
	keyPath  string
	caPath   string
	clients  map[string]*tls.Config
}

func newTestPKI(t *testing.T, clientCNs ...string) *testPKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "dispatch-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating ca: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parsing ca: %v", err)
	}

	issue := func(cn string, ips []net.IP) (tls.Certificate, []byte) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generating key for %s: %v", cn, err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano()),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			IPAddresses:  ips,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatalf("issuing cert for %s: %v", cn, err)
		}
		return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, der
	}

	server, serverDER := issue("dispatcher", []net.IP{net.IPv4(127, 0, 0, 1)})
	serverKeyDER, err := x509.MarshalECPrivateKey(server.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshaling server key: %v", err)
	}

	pki := &testPKI{
		certPath: filepath.Join(dir, "server.pem"),
		keyPath:  filepath.Join(dir, "server.key"),
		caPath:   filepath.Join(dir, "ca.pem"),
		clients:  make(map[string]*tls.Config),
	}
	writePEM := func(path, blockType string, der []byte) {
		if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0600); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	writePEM(pki.certPath, "CERTIFICATE", serverDER)
	writePEM(pki.keyPath, "EC PRIVATE KEY", serverKeyDER)
	writePEM(pki.caPath, "CERTIFICATE", caDER)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	for _, cn := range clientCNs {
		cert, _ := issue(cn, nil)
		pki.clients[cn] = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      roots,
			ServerName:   "127.0.0.1",
			MinVersion:   tls.VersionTLS12,
		}
	}
	return pki
}

func testDispatcherConfig(pki *testPKI, passport []string) *config.Config {
	return &config.Config{
		Listen:                      "127.0.0.1:0",
		TLSCert:                     pki.certPath,
		TLSKey:                      pki.keyPath,
		TLSCA:                       pki.caPath,
		Passport:                    passport,
		RelayTimeout:                2 * time.Second,
		RelayRecoverInterval:        2 * time.Second,
		CleanupDeadRelaysAfter:      time.Hour,
		CleanupExpiredSessionsAfter: time.Hour,
	}
}

func startDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *state.Store, *fakeDialogs, *fakeStats) {
	t.Helper()
	store, err := state.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("state.New() error: %v", err)
	}
	dialogs := &fakeDialogs{}
	stats := &fakeStats{}
	d := New(cfg, store, dialogs, stats, testLogger())
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d, store, dialogs, stats
}

// scriptedRelay simulates a media relay over the wire protocol: it
// answers the reconcile probe with an empty session list and every
// other request with a canned body.
type scriptedRelay struct {
	conn   *tls.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func connectRelay(t *testing.T, d *Dispatcher, clientCfg *tls.Config, respond func(name, seq string, headers []string) string) *scriptedRelay {
	t.Helper()
	conn, err := tls.Dial("tcp", d.listener.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dialing dispatcher: %v", err)
	}
	r := &scriptedRelay{conn: conn, reader: bufio.NewReader(conn), done: make(chan struct{})}
	t.Cleanup(func() { conn.Close() })

	go func() {
		defer close(r.done)
		for {
			frame, err := r.readFrame()
			if err != nil {
				return
			}
			name, seq, _ := strings.Cut(frame[0], " ")
			body := respond(name, seq, frame[1:])
			if body != "" {
				io.WriteString(conn, seq+" "+body+"\r\n")
			}
		}
	}()
	return r
}

func (r *scriptedRelay) readFrame() ([]string, error) {
	var lines []string
	for {
		raw, err := r.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func defaultRelayScript(body string) func(name, seq string, headers []string) string {
	return func(name, _ string, _ []string) string {
		if name == CmdSessions {
			return "[]"
		}
		return body
	}
}

func TestDispatcherAcceptsAndRoutes(t *testing.T) {
	pki := newTestPKI(t, "relay-1")
	d, _, _, _ := startDispatcher(t, testDispatcherConfig(pki, []string{"relay-1"}))

	connectRelay(t, d, pki.clients["relay-1"], defaultRelayScript("30000"))
	waitFor(t, "relay attach", func() bool { return d.registry.Count() == 1 })

	body, err := d.Router().Route(context.Background(), NewCommand(CmdUpdate, "call_id: abc", "dialog_id: 3:7"))
	if err != nil {
		t.Fatalf("Route() error: %v", err)
	}
	if body != "30000" {
		t.Errorf("Route() = %q, want 30000", body)
	}
	sess, ok := d.Router().lookupSession("abc")
	if !ok || sess.RelayAddr != "127.0.0.1" {
		t.Errorf("session = %+v, %v, want pinned to 127.0.0.1", sess, ok)
	}
}

func TestDispatcherRejectsUnlistedRelay(t *testing.T) {
	pki := newTestPKI(t, "relay-1", "rogue")
	d, _, _, _ := startDispatcher(t, testDispatcherConfig(pki, []string{"relay-1"}))

	conn, err := tls.Dial("tcp", d.listener.Addr().String(), pki.clients["rogue"])
	if err != nil {
		// Rejection at the handshake is fine too.
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
		t.Error("unlisted relay was not disconnected")
	}
	if d.registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0 after rejection", d.registry.Count())
	}
}

func TestDispatcherReconcileProbeOnAttach(t *testing.T) {
	pki := newTestPKI(t, "relay-1")
	cfg := testDispatcherConfig(pki, []string{"relay-1"})
	d, _, dialogs, _ := startDispatcher(t, cfg)

	// Seed a session pinned to the relay's address before it connects;
	// the relay's empty sessions reply must reconcile it away.
	d.Router().Restore([]*RelaySession{
		{CallID: "stale", RelayAddr: "127.0.0.1", DialogID: "9:9"},
	})

	connectRelay(t, d, pki.clients["relay-1"], defaultRelayScript("ok"))
	waitFor(t, "stale session reconcile", func() bool {
		_, ok := d.Router().lookupSession("stale")
		return !ok
	})
	waitFor(t, "stale dialog end", func() bool { return len(dialogs.endedDialogs()) == 1 })
}

func TestDispatcherPersistsSessionsAcrossRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	pki := newTestPKI(t, "relay-1")
	cfg := testDispatcherConfig(pki, []string{"relay-1"})
	store, err := state.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("state.New() error: %v", err)
	}

	first := New(cfg, store, &fakeDialogs{}, &fakeStats{}, testLogger())
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	connectRelay(t, first, pki.clients["relay-1"], defaultRelayScript("ok"))
	waitFor(t, "relay attach", func() bool { return first.registry.Count() == 1 })
	if _, err := first.Router().Route(context.Background(), NewCommand(CmdUpdate, "call_id: abc", "dialog_id: 3:7")); err != nil {
		t.Fatalf("Route() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	second := New(cfg, store, &fakeDialogs{}, &fakeStats{}, testLogger())
	if err := second.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := second.Shutdown(ctx); err != nil {
			t.Errorf("second Shutdown() error: %v", err)
		}
	}()

	sess, ok := second.Router().lookupSession("abc")
	if !ok || sess.RelayAddr != "127.0.0.1" || sess.DialogID != "3:7" {
		t.Errorf("restored session = %+v, %v", sess, ok)
	}
}
