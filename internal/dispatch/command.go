package dispatch

import (
	"fmt"
	"strings"
)

// Command names issued by the SIP proxy and the management console.
const (
	CmdUpdate   = "update"
	CmdRemove   = "remove"
	CmdSummary  = "summary"
	CmdSessions = "sessions"
)

// Header keys the dispatcher reads from ingress commands.
const (
	HeaderCallID     = "call_id"
	HeaderDialogID   = "dialog_id"
	HeaderMediaRelay = "media_relay"
)

// Command is a request parsed from an ingress channel: a command name
// followed by ordered "key: value" header lines. The header order is
// preserved on the wire when the command is forwarded to a relay.
type Command struct {
	Name    string
	Headers []string

	fields map[string]string
}

// NewCommand builds a command from a name and pre-formatted header lines.
// It is used for dispatcher-originated commands (the sessions probe on
// relay reconnect and the summary/sessions aggregation).
func NewCommand(name string, headers ...string) *Command {
	cmd, err := newCommand(name, headers)
	if err != nil {
		// Dispatcher-originated headers are always well-formed.
		panic(err)
	}
	return cmd
}

// ParseCommand parses an accumulated ingress request block: the first
// line is the command name, the remaining lines are headers.
func ParseCommand(lines []string) (*Command, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrBadCommand)
	}
	return newCommand(lines[0], lines[1:])
}

func newCommand(name string, headers []string) (*Command, error) {
	fields := make(map[string]string, len(headers))
	for _, h := range headers {
		key, value, ok := strings.Cut(h, ": ")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadCommand, h)
		}
		fields[key] = value
	}
	return &Command{Name: name, Headers: headers, fields: fields}, nil
}

// Header returns the value of the named header, or "" when absent.
func (c *Command) Header(key string) string {
	return c.fields[key]
}

// CallID returns the call_id header, the session-table key.
func (c *Command) CallID() string {
	return c.fields[HeaderCallID]
}

// DialogID returns the optional dialog_id header, the opaque handle the
// SIP proxy uses to terminate the dialog out-of-band.
func (c *Command) DialogID() string {
	return c.fields[HeaderDialogID]
}

// PreferredRelay returns the optional media_relay header naming the
// relay the SIP proxy would like the session placed on.
func (c *Command) PreferredRelay() string {
	return c.fields[HeaderMediaRelay]
}
