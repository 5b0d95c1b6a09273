package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry is the set of connected relays, keyed by relay address. It
// guarantees at most one current connection per address: a reconnect
// installs the new connection before the old one is torn down, so a
// concurrent route request never observes a missing relay. Addresses
// that disconnect while still referenced by sessions get a cleanup
// timer whose firing purges those sessions.
type Registry struct {
	logger       *slog.Logger
	cleanupAfter time.Duration

	onAttach  func(Relay)       // reconcile probe, run asynchronously
	onCleanup func(addr string) // dead-relay session purge

	mu            sync.Mutex
	relays        map[string]Relay
	cleanupTimers map[string]*time.Timer
	shuttingDown  bool
	drained       chan struct{}
}

// NewRegistry creates an empty registry. cleanupAfter is the delay
// before the sessions of a disconnected relay are purged.
func NewRegistry(cleanupAfter time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger.With("component", "registry"),
		cleanupAfter:  cleanupAfter,
		relays:        make(map[string]Relay),
		cleanupTimers: make(map[string]*time.Timer),
		drained:       make(chan struct{}),
	}
}

// SetHooks installs the attach and cleanup callbacks. Must be called
// before the first Attach.
func (g *Registry) SetHooks(onAttach func(Relay), onCleanup func(addr string)) {
	g.onAttach = onAttach
	g.onCleanup = onCleanup
}

// Attach installs a newly authenticated relay connection. An existing
// connection for the same address is scheduled for teardown with a
// distinguished "replaced" reason after the new one is in place. Any
// pending cleanup timer for the address is cancelled.
func (g *Registry) Attach(r Relay) {
	g.mu.Lock()
	if g.shuttingDown {
		g.mu.Unlock()
		go r.Close(errShutdown)
		return
	}
	old := g.relays[r.Addr()]
	g.relays[r.Addr()] = r
	if t, ok := g.cleanupTimers[r.Addr()]; ok {
		t.Stop()
		delete(g.cleanupTimers, r.Addr())
	}
	g.mu.Unlock()

	if old != nil {
		g.logger.Warn("relay reconnected, closing old connection", "relay", r.Addr())
		go old.Close(errConnReplaced)
	}
	g.logger.Info("relay attached", "relay", r.Addr(), "conn_id", r.ID())
	if g.onAttach != nil {
		go g.onAttach(r)
	}
}

// Detach is called by a connection when it closes. Connections that are
// no longer the registry's current one (the replace case) are ignored.
// Unless shutting down, a cleanup timer is armed for the address.
func (g *Registry) Detach(r Relay) {
	g.mu.Lock()
	cur, ok := g.relays[r.Addr()]
	if !ok || cur.ID() != r.ID() {
		g.mu.Unlock()
		return
	}
	if r.Authenticated() {
		delete(g.relays, r.Addr())
	}
	if g.shuttingDown {
		empty := len(g.relays) == 0
		g.mu.Unlock()
		if empty {
			select {
			case <-g.drained:
			default:
				close(g.drained)
			}
		}
		return
	}
	addr := r.Addr()
	g.cleanupTimers[addr] = time.AfterFunc(g.cleanupAfter, func() { g.cleanupFired(addr) })
	g.mu.Unlock()
}

// ScheduleCleanup arms a cleanup timer for an address that has sessions
// but no connection. Used at startup for relays referenced by the
// loaded session table, so entries are purged if the relay never
// reconnects.
func (g *Registry) ScheduleCleanup(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shuttingDown {
		return
	}
	if _, ok := g.cleanupTimers[addr]; ok {
		return
	}
	g.cleanupTimers[addr] = time.AfterFunc(g.cleanupAfter, func() { g.cleanupFired(addr) })
}

func (g *Registry) cleanupFired(addr string) {
	g.mu.Lock()
	delete(g.cleanupTimers, addr)
	g.mu.Unlock()
	g.logger.Debug("running cleanup for dead relay", "relay", addr)
	if g.onCleanup != nil {
		g.onCleanup(addr)
	}
}

// Lookup returns the current connection for a relay address.
func (g *Registry) Lookup(addr string) (Relay, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.relays[addr]
	return r, ok
}

// ActivePeers returns the active relays, excluding the named address.
// Pass "" to exclude nothing.
func (g *Registry) ActivePeers(exclude string) []Relay {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers := make([]Relay, 0, len(g.relays))
	for addr, r := range g.relays {
		if addr == exclude || !r.Active() {
			continue
		}
		peers = append(peers, r)
	}
	return peers
}

// All returns every connected relay, active or not. Used by the
// summary/sessions aggregation, which queries halting relays too.
func (g *Registry) All() []Relay {
	g.mu.Lock()
	defer g.mu.Unlock()
	all := make([]Relay, 0, len(g.relays))
	for _, r := range g.relays {
		all = append(all, r)
	}
	return all
}

// Count returns the number of connected relays.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.relays)
}

// ActiveCount returns the number of relays eligible for new sessions.
func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.relays {
		if r.Active() {
			n++
		}
	}
	return n
}

// Shutdown cancels all cleanup timers, closes every relay connection
// and waits until the last one detaches or ctx expires.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.shuttingDown {
		g.mu.Unlock()
		<-g.drained
		return nil
	}
	g.shuttingDown = true
	for addr, t := range g.cleanupTimers {
		t.Stop()
		delete(g.cleanupTimers, addr)
	}
	if len(g.relays) == 0 {
		g.mu.Unlock()
		close(g.drained)
		return nil
	}
	conns := make([]Relay, 0, len(g.relays))
	for _, r := range g.relays {
		conns = append(conns, r)
	}
	g.mu.Unlock()

	for _, r := range conns {
		go r.Close(errShutdown)
	}
	select {
	case <-g.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
