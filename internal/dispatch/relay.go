package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wire framing for the relay protocol. A request is a block of lines
// terminated by an empty line; responses and events are single lines.
const (
	lineDelimiter = "\r\n"
	maxLineLength = 4 * 1024 * 1024
)

// Close reasons for relay connections.
var (
	errConnReplaced      = errors.New("connection replaced by relay reconnect")
	errShutdown          = errors.New("dispatcher shutting down")
	errRelayUnresponsive = errors.New("relay unresponsive after request timeout")
)

// RelayEvents receives session lifecycle events decoded from a relay
// connection. It is implemented by the session router.
type RelayEvents interface {
	// HandleExpired processes an unsolicited expired event. payload is
	// the raw JSON following the "expired" token.
	HandleExpired(relayAddr string, payload []byte)
	// HandleRemoved processes the JSON body of a remove response,
	// finalising the session and its accounting record.
	HandleRemoved(relayAddr string, payload []byte)
}

// Relay is the registry's and router's view of a relay connection.
type Relay interface {
	ID() string
	Addr() string
	Active() bool
	Authenticated() bool
	Send(ctx context.Context, cmd *Command) (string, error)
	Close(reason error)
}

type sendResult struct {
	body string
	err  error
}

type pendingRequest struct {
	cmd   *Command
	done  chan sendResult
	timer *time.Timer
}

// RelayConn owns one authenticated relay connection: the framed
// request/response protocol, the sequence-number table and the
// per-request timers. A connection is active while it is authenticated,
// has not announced halting and has no unrecovered request timeout.
type RelayConn struct {
	id              string
	addr            string
	conn            net.Conn
	logger          *slog.Logger
	timeout         time.Duration
	recoverInterval time.Duration
	events          RelayEvents
	onClose         func(*RelayConn, error)

	wmu sync.Mutex // serialises writes to conn

	mu         sync.Mutex
	seq        uint64
	pending    map[uint64]*pendingRequest
	halting    bool
	timedOut   bool
	graceTimer *time.Timer
	closed     bool
}

// RelayConnConfig carries the per-connection protocol settings.
type RelayConnConfig struct {
	// Timeout is the per-request deadline.
	Timeout time.Duration
	// RecoverInterval is the post-timeout grace during which a ping may
	// still save the connection.
	RecoverInterval time.Duration
}

// NewRelayConn wraps an accepted (and authenticated) transport. addr is
// the relay's endpoint identity used for session pinning. onClose is
// invoked exactly once after the connection tears down.
func NewRelayConn(conn net.Conn, addr string, cfg RelayConnConfig, events RelayEvents, onClose func(*RelayConn, error), logger *slog.Logger) *RelayConn {
	id := uuid.NewString()
	return &RelayConn{
		id:              id,
		addr:            addr,
		conn:            conn,
		logger:          logger.With("component", "relay", "relay", addr, "conn_id", id),
		timeout:         cfg.Timeout,
		recoverInterval: cfg.RecoverInterval,
		events:          events,
		onClose:         onClose,
		pending:         make(map[uint64]*pendingRequest),
	}
}

// ID returns the connection's unique id, used to tell a reconnect apart
// from the connection it replaces.
func (c *RelayConn) ID() string { return c.id }

// Addr returns the relay's endpoint identity.
func (c *RelayConn) Addr() string { return c.addr }

// Authenticated reports whether the peer certificate was accepted.
// Connections are only constructed after the passport check, so this
// always holds for a live RelayConn.
func (c *RelayConn) Authenticated() bool { return true }

// Active reports whether the connection may receive new sessions.
func (c *RelayConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.halting && !c.timedOut && !c.closed
}

// Send issues a sequence-numbered request to the relay and waits for
// the matching response, the per-request timeout, or ctx cancellation.
func (c *RelayConn) Send(ctx context.Context, cmd *Command) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", &RelayError{Relay: c.addr, Command: cmd.Name, Reason: "disconnected"}
	}
	seq := c.seq
	c.seq++
	p := &pendingRequest{cmd: cmd, done: make(chan sendResult, 1)}
	p.timer = time.AfterFunc(c.timeout, func() { c.requestTimedOut(seq) })
	c.pending[seq] = p
	c.mu.Unlock()

	c.logger.Debug("issuing command to relay", "command", cmd.Name, "seq", seq)

	lines := make([]string, 0, len(cmd.Headers)+2)
	lines = append(lines, fmt.Sprintf("%s %d", cmd.Name, seq))
	lines = append(lines, cmd.Headers...)
	lines = append(lines, lineDelimiter) // terminating blank line
	if err := c.write(strings.Join(lines, lineDelimiter)); err != nil {
		c.Close(err)
	}

	select {
	case res := <-p.done:
		return res.body, res.err
	case <-ctx.Done():
		c.mu.Lock()
		if _, ok := c.pending[seq]; ok {
			delete(c.pending, seq)
			p.timer.Stop()
			c.mu.Unlock()
			return "", ctx.Err()
		}
		c.mu.Unlock()
		// The request completed while we were being cancelled.
		res := <-p.done
		return res.body, res.err
	}
}

func (c *RelayConn) write(data string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, data)
	return err
}

func (c *RelayConn) reply(line string) {
	if err := c.write(line + lineDelimiter); err != nil {
		c.logger.Error("failed to write to relay", "error", err)
	}
}

// requestTimedOut fails the waiter of a pending request. The first
// outstanding timeout marks the connection timed-out and arms the grace
// timer; if no ping arrives before it fires, the connection is torn
// down as if the transport had failed.
func (c *RelayConn) requestTimedOut(seq uint64) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, seq)
	if !c.timedOut {
		c.timedOut = true
		c.graceTimer = time.AfterFunc(c.recoverInterval, func() { c.Close(errRelayUnresponsive) })
	}
	c.mu.Unlock()

	p.done <- sendResult{err: &RelayError{Relay: c.addr, Command: p.cmd.Name, Reason: "timed out"}}
}

// ReadLoop consumes lines from the relay until the transport fails or
// is closed. It must be run on its own goroutine.
func (c *RelayConn) ReadLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		c.handleLine(line)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.Close(err)
}

// handleLine dispatches one inbound line: an unsolicited expired event,
// a ping heartbeat, or a sequence-numbered response.
func (c *RelayConn) handleLine(line string) {
	first, rest, _ := strings.Cut(line, " ")
	switch first {
	case "expired":
		c.events.HandleExpired(c.addr, []byte(rest))
		return
	case "ping":
		c.mu.Lock()
		if c.timedOut {
			c.timedOut = false
			if c.graceTimer != nil {
				c.graceTimer.Stop()
				c.graceTimer = nil
			}
			c.mu.Unlock()
			c.logger.Info("relay recovered after timeout")
		} else {
			c.mu.Unlock()
		}
		c.reply("pong")
		return
	}

	seq, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		c.logger.Error("unexpected line from relay", "line", line)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[seq]
	if !ok {
		c.mu.Unlock()
		c.logger.Error("response for unknown request from relay", "seq", seq)
		return
	}
	delete(c.pending, seq)
	p.timer.Stop()

	switch {
	case rest == "error":
		c.mu.Unlock()
		p.done <- sendResult{err: &RelayError{Relay: c.addr, Command: p.cmd.Name, Reason: "replied with an error"}}
	case rest == "halting":
		c.halting = true
		c.mu.Unlock()
		c.logger.Info("relay announced shutdown")
		p.done <- sendResult{err: &RelayError{Relay: c.addr, Command: p.cmd.Name, Reason: "is shutting down"}}
	case p.cmd.Name == CmdRemove:
		c.mu.Unlock()
		c.events.HandleRemoved(c.addr, []byte(rest))
		p.done <- sendResult{body: "removed"}
	default:
		c.mu.Unlock()
		p.done <- sendResult{body: rest}
	}
}

// Close tears the connection down: it cancels the grace timer, fails
// every pending waiter and notifies the owner. Idempotent.
func (c *RelayConn) Close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.timedOut = false
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	switch {
	case reason == nil, errors.Is(reason, io.EOF), errors.Is(reason, net.ErrClosed):
		c.logger.Info("relay connection closed")
	case errors.Is(reason, errConnReplaced):
		c.logger.Warn("old relay connection replaced")
	default:
		c.logger.Error("relay connection lost", "error", reason)
	}

	c.conn.Close()
	for _, p := range pending {
		p.timer.Stop()
		p.done <- sendResult{err: &RelayError{Relay: c.addr, Command: p.cmd.Name, Reason: "disconnected"}}
	}
	if c.onClose != nil {
		c.onClose(c, reason)
	}
}
