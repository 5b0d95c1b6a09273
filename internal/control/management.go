package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/mediadispatch/internal/passport"
)

// Aggregator answers the management channel's fleet-wide queries.
// Implemented by the session router.
type Aggregator interface {
	Summary(ctx context.Context) (string, error)
	SessionsInfo(ctx context.Context) (string, error)
}

// ManagementServer accepts single-line commands from the management
// console: summary, sessions, version, quit and exit. Anything else is
// answered with "error". With TLS enabled, client certificates must
// pass the configured passport policy or the connection is closed
// before any command is read.
type ManagementServer struct {
	logger  *slog.Logger
	agg     Aggregator
	version string
	addr    string
	tlsCfg  *tls.Config // nil for plain TCP
	policy  *passport.Policy
	limiter *RateLimiter

	ln      net.Listener
	tracker *connTracker
	wg      sync.WaitGroup
}

// NewManagementServer creates the management ingress server. tlsCfg may
// be nil for a plain TCP listener; policy may be nil to accept any
// authenticated client.
func NewManagementServer(addr string, agg Aggregator, version string, tlsCfg *tls.Config, policy *passport.Policy, logger *slog.Logger) *ManagementServer {
	return &ManagementServer{
		logger:  logger.With("component", "management"),
		agg:     agg,
		version: version,
		addr:    addr,
		tlsCfg:  tlsCfg,
		policy:  policy,
		limiter: NewRateLimiter(DefaultRateLimiterConfig()),
		tracker: newConnTracker(),
	}
}

// Start begins listening for management connections.
func (s *ManagementServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.ln = ln
	s.logger.Info("management listener starting", "addr", s.addr, "tls", s.tlsCfg != nil)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *ManagementServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("management accept failed", "error", err)
			continue
		}
		if !s.tracker.add(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ManagementServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	if s.tlsCfg != nil && !s.authenticate(conn) {
		return
	}

	client := remoteHost(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestLine)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch line {
		case "quit", "exit":
			return
		case "summary":
			s.handleQuery(conn, client, s.agg.Summary)
		case "sessions":
			s.handleQuery(conn, client, s.agg.SessionsInfo)
		case "version":
			s.reply(conn, s.version)
		default:
			s.logger.Error("unknown command on management interface", "command", line)
			s.reply(conn, "error")
		}
		if s.tracker.draining() {
			return
		}
	}
}

// authenticate enforces the client-certificate policy on a TLS
// management connection. Rejected transports are closed silently.
func (s *ManagementServer) authenticate(conn net.Conn) bool {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Debug("management tls handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return false
	}
	var peer *x509.Certificate
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		peer = certs[0]
	}
	if !s.policy.Accept(peer) {
		s.logger.Warn("management client certificate not accepted", "remote", conn.RemoteAddr().String())
		return false
	}
	return true
}

func (s *ManagementServer) handleQuery(conn net.Conn, client string, query func(context.Context) (string, error)) {
	if !s.limiter.Allow(client) {
		s.logger.Warn("management client rate limited", "remote", client)
		s.reply(conn, "error")
		return
	}
	s.tracker.setBusy(conn, true)
	defer s.tracker.setBusy(conn, false)

	body, err := query(context.Background())
	if err != nil {
		s.logger.Error("management query failed", "error", err)
		s.reply(conn, "error")
		return
	}
	s.reply(conn, body)
}

func (s *ManagementServer) reply(conn net.Conn, body string) {
	if _, err := io.WriteString(conn, body+lineDelimiter); err != nil {
		s.logger.Error("failed to write management reply", "error", err)
	}
}

// Shutdown stops the listener and the rate limiter, closes idle
// connections and waits for in-flight commands to finish.
func (s *ManagementServer) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}
	s.tracker.beginShutdown()
	defer s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
