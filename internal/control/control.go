// Package control implements the dispatcher's ingress channels: the
// line-framed SIP-proxy socket and the management console. Both carry
// requests from trusted local clients, process them serially per
// connection, and share the same graceful-shutdown discipline: idle
// connections close immediately, busy ones after their current reply.
package control

import (
	"net"
	"sync"
)

// lineDelimiter terminates every reply written to an ingress client.
const lineDelimiter = "\r\n"

// maxRequestLine bounds a single ingress line.
const maxRequestLine = 64 * 1024

// connTracker records the open connections of an ingress server and
// whether each is mid-request, so shutdown can close idle connections
// at once and deferred ones right after their reply.
type connTracker struct {
	mu           sync.Mutex
	conns        map[net.Conn]bool // value: request in progress
	shuttingDown bool
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]bool)}
}

// add registers a connection. It returns false when the server is
// shutting down and the connection should be closed instead.
func (t *connTracker) add(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shuttingDown {
		return false
	}
	t.conns[c] = false
	return true
}

func (t *connTracker) remove(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

func (t *connTracker) setBusy(c net.Conn, busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[c]; ok {
		t.conns[c] = busy
	}
}

// draining reports whether shutdown has begun, meaning a connection
// should close itself once its current request is answered.
func (t *connTracker) draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shuttingDown
}

// beginShutdown marks the tracker draining and closes every idle
// connection. Busy connections close themselves after replying.
func (t *connTracker) beginShutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shuttingDown = true
	for c, busy := range t.conns {
		if !busy {
			c.Close()
		}
	}
}
