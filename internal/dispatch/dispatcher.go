package dispatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/mediadispatch/internal/config"
	"github.com/flowpbx/mediadispatch/internal/passport"
	"github.com/flowpbx/mediadispatch/internal/state"
)

// handshakeTimeout bounds the TLS handshake of an incoming relay
// connection so a stalled peer cannot hold an accept goroutine forever.
const handshakeTimeout = 10 * time.Second

// Dispatcher ties the relay-facing TLS listener to the registry and the
// session router, and owns the session table's persistence across
// restarts.
type Dispatcher struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *Registry
	router   *Router
	store    *state.Store
	policy   *passport.Policy

	listener net.Listener
	wg       sync.WaitGroup
}

// New wires a dispatcher from its collaborators. The registry's attach
// hook probes reconnecting relays for their live sessions; its cleanup
// hook purges sessions of relays that stayed gone.
func New(cfg *config.Config, store *state.Store, dialogs DialogEnder, stats StatsRecorder, logger *slog.Logger) *Dispatcher {
	registry := NewRegistry(cfg.CleanupDeadRelaysAfter, logger)
	router := NewRouter(registry, dialogs, stats, cfg.CleanupExpiredSessionsAfter, logger)
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		registry: registry,
		router:   router,
		store:    store,
		policy:   passport.New(cfg.Passport),
	}
	registry.SetHooks(d.relayAttached, router.PurgeRelay)
	return d
}

// Router returns the session router, the ingress channels' handler.
func (d *Dispatcher) Router() *Router { return d.router }

// Registry returns the relay registry, exposed for metrics.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Start restores any persisted session table, opens the relay-facing
// TLS listener and begins the periodic expired-session sweep.
func (d *Dispatcher) Start() error {
	d.restoreState()

	tlsCfg, err := passport.ServerTLSConfig(d.cfg.TLSCert, d.cfg.TLSKey, d.cfg.TLSCA)
	if err != nil {
		return fmt.Errorf("configuring relay listener tls: %w", err)
	}
	ln, err := tls.Listen("tcp", d.cfg.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening for relays on %s: %w", d.cfg.Listen, err)
	}
	d.listener = ln
	d.logger.Info("relay listener starting", "addr", d.cfg.Listen)

	d.wg.Add(1)
	go d.acceptLoop()
	d.router.StartSweeper()
	return nil
}

// restoreState loads the session snapshot left by the previous graceful
// shutdown. Load failures mean no prior state; every relay address the
// snapshot references gets a cleanup timer in case it never reconnects.
func (d *Dispatcher) restoreState() {
	records, err := d.store.Load()
	if err != nil {
		d.logger.Warn("could not load saved session state, starting clean", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	sessions := make([]*RelaySession, len(records))
	for i, rec := range records {
		sessions[i] = &RelaySession{
			CallID:     rec.CallID,
			RelayAddr:  rec.RelayAddr,
			DialogID:   rec.DialogID,
			ExpireTime: rec.ExpireTime,
		}
	}
	for _, addr := range d.router.Restore(sessions) {
		d.registry.ScheduleCleanup(addr)
	}
	d.logger.Info("restored sessions from saved state", "count", len(sessions))
}

func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Error("relay listener accept failed", "error", err)
			continue
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn authenticates one incoming relay connection. The peer
// certificate must pass the passport policy before the connection is
// published to the registry; rejected transports are closed without a
// single frame exchanged.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer d.wg.Done()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		d.logger.Debug("relay tls handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	var peer *x509.Certificate
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		peer = certs[0]
	}
	if !d.policy.Accept(peer) {
		d.logger.Warn("relay certificate not accepted", "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}

	addr, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		addr = conn.RemoteAddr().String()
	}
	d.logger.Debug("connection from relay", "relay", addr)

	rc := NewRelayConn(conn, addr, RelayConnConfig{
		Timeout:         d.cfg.RelayTimeout,
		RecoverInterval: d.cfg.RelayRecoverInterval,
	}, d.router, d.relayClosed, d.logger)
	d.registry.Attach(rc)
	rc.ReadLoop()
}

func (d *Dispatcher) relayClosed(c *RelayConn, _ error) {
	d.registry.Detach(c)
}

// relayAttached reconciles the session table against a newly connected
// relay's own view of its live sessions.
func (d *Dispatcher) relayAttached(r Relay) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RelayTimeout+time.Second)
	defer cancel()
	body, err := r.Send(ctx, NewCommand(CmdSessions))
	if err != nil {
		d.logger.Warn("session reconcile probe failed", "relay", r.Addr(), "error", err)
		return
	}
	d.router.Reconcile(r.Addr(), body)
}

// Shutdown stops accepting relays, closes the connected ones and waits
// for them to detach, then persists the session table. A save failure
// is logged; shutdown continues regardless.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.listener != nil {
		d.listener.Close()
	}
	d.router.StopSweeper()

	err := d.registry.Shutdown(ctx)
	if err != nil {
		d.logger.Error("relay connections did not drain in time", "error", err)
	}

	sessions := d.router.Snapshot()
	records := make([]state.SessionRecord, len(sessions))
	for i, sess := range sessions {
		records[i] = state.SessionRecord{
			CallID:     sess.CallID,
			RelayAddr:  sess.RelayAddr,
			DialogID:   sess.DialogID,
			ExpireTime: sess.ExpireTime,
		}
	}
	if serr := d.store.Save(records); serr != nil {
		d.logger.Error("failed to save session state", "error", serr)
	}

	d.wg.Wait()
	return err
}
