package dispatch

import "time"

// RelaySession is one entry in the session table: a call pinned to a
// media relay for its entire lifetime. ExpireTime is zero while the
// session is active; once the relay reports the session expired and the
// SIP proxy has been asked to end the dialog, ExpireTime is set and the
// session only waits for the confirming remove.
type RelaySession struct {
	CallID     string
	RelayAddr  string
	DialogID   string
	ExpireTime time.Time
}

func newRelaySession(relayAddr string, cmd *Command) *RelaySession {
	return &RelaySession{
		CallID:    cmd.CallID(),
		RelayAddr: relayAddr,
		DialogID:  cmd.DialogID(),
	}
}

// Expired reports whether the session is terminal: the relay reported
// it ended but the confirming remove has not arrived yet. An expired
// session may only be removed, never routed to.
func (s *RelaySession) Expired() bool {
	return !s.ExpireTime.IsZero()
}
