package dispatch

import (
	"errors"
	"fmt"
)

// ErrBadCommand indicates a request block that could not be parsed.
var ErrBadCommand = errors.New("could not parse command headers")

// RelayError reports a failure attributable to a media relay: an error
// or halting reply, a request timeout, or a lost connection. The router
// treats RelayError as failover-eligible during initial placement of an
// update; all other errors go straight back to the caller.
type RelayError struct {
	Relay   string // relay address, empty when no relay was reachable
	Command string // command name, empty for connection-level failures
	Reason  string
}

func (e *RelayError) Error() string {
	switch {
	case e.Relay == "":
		return e.Reason
	case e.Command == "":
		return fmt.Sprintf("relay at %s %s", e.Relay, e.Reason)
	default:
		return fmt.Sprintf("%q command failed: relay at %s %s", e.Command, e.Relay, e.Reason)
	}
}

// IsRelayError reports whether err is (or wraps) a RelayError.
func IsRelayError(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}
