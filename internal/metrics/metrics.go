package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes the router's session table counts.
type SessionProvider interface {
	SessionCount() int
	ExpiredSessionCount() int
}

// RelayProvider exposes the registry's relay counts.
type RelayProvider interface {
	Count() int
	ActiveCount() int
}

// Collector is a prometheus.Collector that gathers dispatcher metrics at scrape time.
type Collector struct {
	sessions  SessionProvider
	relays    RelayProvider
	startTime time.Time

	// Metric descriptors.
	sessionsDesc        *prometheus.Desc
	expiredSessionsDesc *prometheus.Desc
	relaysDesc          *prometheus.Desc
	activeRelaysDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector. Either provider may be nil if unavailable.
func NewCollector(sessions SessionProvider, relays RelayProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		relays:    relays,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"mediadispatch_sessions",
			"Number of media sessions currently tracked by the dispatcher",
			nil, nil,
		),
		expiredSessionsDesc: prometheus.NewDesc(
			"mediadispatch_sessions_expired",
			"Number of tracked sessions whose relay reported them expired",
			nil, nil,
		),
		relaysDesc: prometheus.NewDesc(
			"mediadispatch_relays_connected",
			"Number of media relays known to the dispatcher",
			nil, nil,
		),
		activeRelaysDesc: prometheus.NewDesc(
			"mediadispatch_relays_active",
			"Number of media relays eligible to receive new sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"mediadispatch_uptime_seconds",
			"Seconds since the dispatcher process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.expiredSessionsDesc
	ch <- c.relaysDesc
	ch <- c.activeRelaysDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.SessionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.expiredSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ExpiredSessionCount()),
		)
	}

	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaysDesc, prometheus.GaugeValue,
			float64(c.relays.Count()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeRelaysDesc, prometheus.GaugeValue,
			float64(c.relays.ActiveCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
