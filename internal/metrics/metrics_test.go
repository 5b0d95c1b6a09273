package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSessions struct {
	total, expired int
}

func (f *fakeSessions) SessionCount() int        { return f.total }
func (f *fakeSessions) ExpiredSessionCount() int { return f.expired }

type fakeRelays struct {
	total, active int
}

func (f *fakeRelays) Count() int       { return f.total }
func (f *fakeRelays) ActiveCount() int { return f.active }

func TestCollector(t *testing.T) {
	c := NewCollector(&fakeSessions{total: 7, expired: 2}, &fakeRelays{total: 3, active: 2}, time.Now().Add(-time.Minute))
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	expected := `
# HELP mediadispatch_relays_active Number of media relays eligible to receive new sessions
# TYPE mediadispatch_relays_active gauge
mediadispatch_relays_active 2
# HELP mediadispatch_relays_connected Number of media relays known to the dispatcher
# TYPE mediadispatch_relays_connected gauge
mediadispatch_relays_connected 3
# HELP mediadispatch_sessions Number of media sessions currently tracked by the dispatcher
# TYPE mediadispatch_sessions gauge
mediadispatch_sessions 7
# HELP mediadispatch_sessions_expired Number of tracked sessions whose relay reported them expired
# TYPE mediadispatch_sessions_expired gauge
mediadispatch_sessions_expired 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mediadispatch_sessions",
		"mediadispatch_sessions_expired",
		"mediadispatch_relays_connected",
		"mediadispatch_relays_active",
	)
	if err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}

	// Uptime is time-dependent, only check it is present and positive.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var sawUptime bool
	for _, mf := range families {
		if mf.GetName() == "mediadispatch_uptime_seconds" {
			sawUptime = true
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v <= 0 {
				t.Errorf("uptime = %v, want positive", v)
			}
		}
	}
	if !sawUptime {
		t.Error("uptime metric missing")
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, time.Now())
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 1 {
		t.Errorf("gathered %d families, want only uptime", len(families))
	}
}
