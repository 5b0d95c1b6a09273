// Package accounting delivers per-session records to configured sinks
// when a media session ends. Sinks register themselves by name; the
// manager fans each record out to every enabled sink.
package accounting

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Stats is the annotated session record emitted when a relay reports a
// session expired or removed.
type Stats = map[string]any

// Sink receives completed session records.
type Sink interface {
	Start() error
	Stop() error
	Record(stats Stats)
}

// Factory builds a sink instance.
type Factory func(logger *slog.Logger) (Sink, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// Register makes a sink factory available under the given name. It
// panics on duplicate registration.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("accounting: sink %q registered twice", name))
	}
	factories[name] = f
}

// Names returns the registered sink names, sorted.
func Names() []string {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	return namesLocked()
}

// namesLocked expects factoriesMu to be held.
func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager owns the enabled sinks and dispatches records to them.
type Manager struct {
	logger *slog.Logger
	sinks  []Sink
}

// Open instantiates the named sinks. Unknown names are an error so a
// typo in the configuration fails at startup rather than dropping
// records silently.
func Open(names []string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{logger: logger.With("component", "accounting")}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	for _, name := range names {
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown accounting sink %q (available: %s)", name, strings.Join(namesLocked(), ", "))
		}
		sink, err := f(logger)
		if err != nil {
			return nil, fmt.Errorf("creating accounting sink %q: %w", name, err)
		}
		m.sinks = append(m.sinks, sink)
	}
	return m, nil
}

// Start starts every sink.
func (m *Manager) Start() error {
	for _, sink := range m.sinks {
		if err := sink.Start(); err != nil {
			return fmt.Errorf("starting accounting sink: %w", err)
		}
	}
	return nil
}

// Stop stops every sink, logging failures and continuing.
func (m *Manager) Stop() {
	for _, sink := range m.sinks {
		if err := sink.Stop(); err != nil {
			m.logger.Error("failed to stop accounting sink", "error", err)
		}
	}
}

// Record delivers a session record to every sink. Sessions that never
// started carry a nil start_time and are not accounted. A panicking
// sink must not take the dispatcher down with it.
func (m *Manager) Record(stats Stats) {
	start, ok := stats["start_time"]
	if !ok || start == nil {
		return
	}
	for _, sink := range m.sinks {
		m.deliver(sink, stats)
	}
}

func (m *Manager) deliver(sink Sink, stats Stats) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("accounting sink panicked", "panic", r)
		}
	}()
	sink.Record(stats)
}
