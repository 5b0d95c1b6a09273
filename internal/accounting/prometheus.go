package accounting

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	Register("prometheus", func(logger *slog.Logger) (Sink, error) {
		return newPrometheusSink(prometheus.DefaultRegisterer, logger)
	})
}

// prometheusSink counts finished sessions, labeled by how they ended.
type prometheusSink struct {
	logger  *slog.Logger
	records *prometheus.CounterVec
}

func newPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) (*prometheusSink, error) {
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadispatch_accounting_records_total",
		Help: "Number of session records delivered to accounting, by relay timeout status.",
	}, []string{"timed_out"})
	if err := reg.Register(records); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			records = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, fmt.Errorf("registering accounting counter: %w", err)
		}
	}
	return &prometheusSink{
		logger:  logger.With("component", "accounting-prometheus"),
		records: records,
	}, nil
}

func (s *prometheusSink) Start() error { return nil }
func (s *prometheusSink) Stop() error  { return nil }

func (s *prometheusSink) Record(stats Stats) {
	timedOut := "false"
	if v, ok := stats["timed_out"].(bool); ok && v {
		timedOut = "true"
	}
	s.records.WithLabelValues(timedOut).Inc()
}
