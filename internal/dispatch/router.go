package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// sweepInterval is how often the expired-session sweep runs.
const sweepInterval = 10 * time.Minute

// DialogEnder asks the SIP proxy to terminate a dialog out-of-band.
// Implemented by the OpenSIPS MI client.
type DialogEnder interface {
	EndDialog(ctx context.Context, dialogID string) error
}

// StatsRecorder consumes per-session accounting statistics.
// Implemented by the accounting manager.
type StatsRecorder interface {
	Record(stats map[string]any)
}

// Router owns the session table: it pins each call to a relay on first
// contact, forwards later commands for the call to the same relay, and
// handles the session's end through expired events, remove commands,
// relay loss and stale-entry sweeps.
type Router struct {
	logger      *slog.Logger
	registry    *Registry
	dialogs     DialogEnder
	stats       StatsRecorder
	expireAfter time.Duration

	mu       sync.Mutex
	sessions map[string]*RelaySession

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewRouter creates a router. expireAfter is the TTL for sessions whose
// expected remove never arrived.
func NewRouter(registry *Registry, dialogs DialogEnder, stats StatsRecorder, expireAfter time.Duration, logger *slog.Logger) *Router {
	return &Router{
		logger:      logger.With("component", "router"),
		registry:    registry,
		dialogs:     dialogs,
		stats:       stats,
		expireAfter: expireAfter,
		sessions:    make(map[string]*RelaySession),
	}
}

// Route implements the routing policy for one ingress command. Commands
// for a live session go to its pinned relay; an update with no live
// session is placed on a new relay with failover; a remove for an
// expired session is confirmed locally; anything else is an unknown
// session.
func (r *Router) Route(ctx context.Context, cmd *Command) (string, error) {
	callID := cmd.CallID()

	r.mu.Lock()
	sess := r.sessions[callID]
	if sess != nil && !sess.Expired() {
		addr := sess.RelayAddr
		r.mu.Unlock()
		relay, ok := r.registry.Lookup(addr)
		if !ok {
			return "", &RelayError{Relay: addr, Reason: "for this session is no longer connected"}
		}
		return relay.Send(ctx, cmd)
	}

	switch {
	case cmd.Name == CmdUpdate:
		r.mu.Unlock()
		return r.placeSession(ctx, cmd)
	case cmd.Name == CmdRemove && sess != nil:
		// The remove confirming a session we already marked expired and
		// asked the SIP proxy to terminate.
		delete(r.sessions, callID)
		r.mu.Unlock()
		return "removed", nil
	default:
		r.mu.Unlock()
		return "", fmt.Errorf("got %q command for unknown session with call_id %s", cmd.Name, callID)
	}
}

// placeSession selects a relay for a new session: the requested
// media_relay first if present and active, then the remaining active
// relays in uniformly random order. Relay errors fail over to the next
// candidate; the first success pins the session.
func (r *Router) placeSession(ctx context.Context, cmd *Command) (string, error) {
	preferred := cmd.PreferredRelay()
	candidates := r.registry.ActivePeers(preferred)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if preferred != "" {
		if relay, ok := r.registry.Lookup(preferred); ok && relay.Active() {
			candidates = append([]Relay{relay}, candidates...)
		} else {
			r.logger.Warn("requested media_relay is not available", "media_relay", preferred, "call_id", cmd.CallID())
		}
	}

	for _, relay := range candidates {
		body, err := relay.Send(ctx, cmd)
		if err == nil {
			r.mu.Lock()
			r.sessions[cmd.CallID()] = newRelaySession(relay.Addr(), cmd)
			r.mu.Unlock()
			return body, nil
		}
		if !IsRelayError(err) {
			return "", err
		}
		r.logger.Warn("relay failed, trying next candidate", "relay", relay.Addr(), "call_id", cmd.CallID(), "error", err)
	}
	return "", &RelayError{Reason: "no suitable relay found"}
}

// HandleExpired processes an unsolicited expired event from a relay.
// The payload is annotated with timed_out, dialog_id and
// all_streams_ice and forwarded to accounting. Unless every stream
// ended as an unselected ICE candidate, the SIP proxy is asked to end
// the dialog and the session waits for the confirming remove; otherwise
// the session is dropped immediately.
func (r *Router) HandleExpired(relayAddr string, payload []byte) {
	var stats map[string]any
	if err := json.Unmarshal(payload, &stats); err != nil {
		r.logger.Error("error decoding expired event from relay", "relay", relayAddr, "error", err)
		return
	}
	callID, _ := stats["call_id"].(string)
	if callID == "" {
		r.logger.Error("expired event without call_id from relay", "relay", relayAddr)
		return
	}
	streamsVal, ok := stats["streams"]
	if !ok {
		r.logger.Error("expired event without streams from relay", "relay", relayAddr, "call_id", callID)
		return
	}

	r.mu.Lock()
	sess := r.sessions[callID]
	if sess == nil {
		r.mu.Unlock()
		r.logger.Error("unknown session expired at relay", "call_id", callID, "relay", relayAddr)
		return
	}
	if sess.RelayAddr != relayAddr {
		r.mu.Unlock()
		r.logger.Error("session expired at wrong relay, ignoring",
			"call_id", callID,
			"relay", relayAddr,
			"pinned_relay", sess.RelayAddr,
		)
		return
	}

	allStreamsICE := true
	streams, _ := streamsVal.([]any)
	for _, s := range streams {
		info, _ := s.(map[string]any)
		if info == nil || info["status"] != "unselected ICE candidate" {
			allStreamsICE = false
			break
		}
	}

	stats["timed_out"] = !allStreamsICE
	stats["all_streams_ice"] = allStreamsICE
	if sess.DialogID != "" {
		stats["dialog_id"] = sess.DialogID
	} else {
		stats["dialog_id"] = nil
	}

	startTime, hasStart := stats["start_time"]
	if sess.DialogID != "" && hasStart && startTime != nil && !allStreamsICE {
		r.logger.Info("session timed out at relay", "call_id", callID, "relay", relayAddr)
		sess.ExpireTime = time.Now()
		dialogID := sess.DialogID
		r.mu.Unlock()
		r.endDialog(dialogID)
	} else {
		if allStreamsICE {
			r.logger.Info("session removed because ICE was used", "call_id", callID, "relay", relayAddr)
		} else {
			r.logger.Info("session timed out at relay", "call_id", callID, "relay", relayAddr)
		}
		delete(r.sessions, callID)
		r.mu.Unlock()
	}

	r.stats.Record(stats)
}

// HandleRemoved finalises a session from the JSON body of a relay's
// remove response: the statistics are annotated and recorded, and the
// session leaves the table.
func (r *Router) HandleRemoved(relayAddr string, payload []byte) {
	var stats map[string]any
	if err := json.Unmarshal(payload, &stats); err != nil {
		r.logger.Error("error decoding remove response from relay", "relay", relayAddr, "error", err)
		return
	}
	callID, _ := stats["call_id"].(string)

	r.mu.Lock()
	sess := r.sessions[callID]
	if sess == nil {
		r.mu.Unlock()
		r.logger.Warn("remove response for unknown session", "call_id", callID, "relay", relayAddr)
		return
	}
	if sess.DialogID != "" {
		stats["dialog_id"] = sess.DialogID
	} else {
		stats["dialog_id"] = nil
	}
	stats["timed_out"] = false
	delete(r.sessions, callID)
	r.mu.Unlock()

	r.stats.Record(stats)
}

// Reconcile compares the session table against a reconnected relay's
// own view of live call-ids (the body of its sessions reply). Sessions
// pinned to the relay that it no longer knows are dropped, ending their
// dialogs when known; this prevents leaks when the dispatcher was down
// longer than the relay's state lived.
func (r *Router) Reconcile(relayAddr, body string) {
	var live []struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal([]byte(body), &live); err != nil {
		r.logger.Error("error decoding sessions reply from relay", "relay", relayAddr, "error", err)
		return
	}
	known := make(map[string]bool, len(live))
	for _, s := range live {
		known[s.CallID] = true
	}

	r.mu.Lock()
	var stale []*RelaySession
	for callID, sess := range r.sessions {
		if !sess.Expired() && sess.RelayAddr == relayAddr && !known[callID] {
			stale = append(stale, sess)
			delete(r.sessions, callID)
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		r.logger.Warn("session is no longer on relay, statistics are probably lost",
			"call_id", sess.CallID,
			"relay", relayAddr,
		)
		if sess.DialogID != "" {
			r.endDialog(sess.DialogID)
		}
	}
}

// PurgeRelay unconditionally drops every session pinned to a relay that
// stayed disconnected past its cleanup delay. No dialog-end
// notification and no accounting: the relay is simply gone.
func (r *Router) PurgeRelay(addr string) {
	r.mu.Lock()
	n := 0
	for callID, sess := range r.sessions {
		if sess.RelayAddr == addr {
			delete(r.sessions, callID)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("purged sessions of dead relay", "relay", addr, "count", n)
	}
}

// endDialog asks the SIP proxy to terminate a dialog. Fire-and-forget:
// failures are logged and never block session removal.
func (r *Router) endDialog(dialogID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.dialogs.EndDialog(ctx, dialogID); err != nil {
			r.logger.Error("failed to end dialog", "dialog_id", dialogID, "error", err)
		}
	}()
}

// Summary queries every connected relay in parallel and returns the
// per-relay replies as one JSON array. A failing relay contributes an
// error-status object.
func (r *Router) Summary(ctx context.Context) (string, error) {
	relays := r.registry.All()
	results := make([]string, len(relays))
	var wg sync.WaitGroup
	for i, relay := range relays {
		wg.Add(1)
		go func(i int, relay Relay) {
			defer wg.Done()
			body, err := relay.Send(ctx, NewCommand(CmdSummary))
			if err != nil {
				r.logger.Error("error querying relay summary", "relay", relay.Addr(), "error", err)
				fallback, _ := json.Marshal(map[string]string{"status": "error", "relay": relay.Addr()})
				body = string(fallback)
			}
			results[i] = body
		}(i, relay)
	}
	wg.Wait()
	return "[" + strings.Join(results, ", ") + "]", nil
}

// SessionsInfo queries every connected relay for its session list in
// parallel and concatenates the per-relay JSON arrays into one. Failing
// relays are omitted.
func (r *Router) SessionsInfo(ctx context.Context) (string, error) {
	relays := r.registry.All()
	results := make([]string, len(relays))
	errs := make([]error, len(relays))
	var wg sync.WaitGroup
	for i, relay := range relays {
		wg.Add(1)
		go func(i int, relay Relay) {
			defer wg.Done()
			results[i], errs[i] = relay.Send(ctx, NewCommand(CmdSessions))
		}(i, relay)
	}
	wg.Wait()

	var parts []string
	for i, body := range results {
		if errs[i] != nil {
			r.logger.Error("error querying relay sessions", "relay", relays[i].Addr(), "error", errs[i])
			continue
		}
		trimmed := strings.TrimSpace(body)
		if len(trimmed) < 2 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
			r.logger.Error("malformed sessions reply from relay", "relay", relays[i].Addr())
			continue
		}
		if inner := strings.TrimSpace(trimmed[1 : len(trimmed)-1]); inner != "" {
			parts = append(parts, inner)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]", nil
}

// StartSweeper begins the periodic expired-session sweep.
func (r *Router) StartSweeper() {
	r.startSweeper(sweepInterval)
}

func (r *Router) startSweeper(interval time.Duration) {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepExpired()
			case <-r.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper stops the periodic sweep and waits for it to exit.
func (r *Router) StopSweeper() {
	if r.sweepStop == nil {
		return
	}
	close(r.sweepStop)
	<-r.sweepDone
	r.sweepStop = nil
}

// sweepExpired removes sessions whose expire time is older than the
// configured TTL: the relay reported them expired but the confirming
// remove never arrived.
func (r *Router) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	n := 0
	for callID, sess := range r.sessions {
		if sess.Expired() && now.Sub(sess.ExpireTime) >= r.expireAfter {
			delete(r.sessions, callID)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Warn("removed expired sessions that never received a remove",
			"count", n,
			"ttl", r.expireAfter,
		)
	}
}

// Snapshot copies the session table for persistence at shutdown.
func (r *Router) Snapshot() []*RelaySession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RelaySession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		copied := *sess
		out = append(out, &copied)
	}
	return out
}

// Restore loads a persisted session table and returns the distinct
// relay addresses it references, so the caller can arm cleanup timers
// for relays that may never reconnect.
func (r *Router) Restore(sessions []*RelaySession) []string {
	addrs := make(map[string]bool)
	r.mu.Lock()
	for _, sess := range sessions {
		r.sessions[sess.CallID] = sess
		addrs[sess.RelayAddr] = true
	}
	r.mu.Unlock()
	out := make([]string, 0, len(addrs))
	for addr := range addrs {
		out = append(out, addr)
	}
	return out
}

// SessionCount returns the number of tracked sessions.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ExpiredSessionCount returns the number of sessions awaiting their
// confirming remove.
func (r *Router) ExpiredSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sess := range r.sessions {
		if sess.Expired() {
			n++
		}
	}
	return n
}

// lookupSession is a test hook returning a copy of a session entry.
func (r *Router) lookupSession(callID string) (RelaySession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return RelaySession{}, false
	}
	return *sess, true
}
