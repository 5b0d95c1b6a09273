package accounting

import (
	"encoding/json"
	"log/slog"
)

func init() {
	Register("log", func(logger *slog.Logger) (Sink, error) {
		return &logSink{logger: logger.With("component", "accounting-log")}, nil
	})
}

// logSink writes each session record as a single structured log line.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Start() error { return nil }
func (s *logSink) Stop() error  { return nil }

func (s *logSink) Record(stats Stats) {
	data, err := json.Marshal(stats)
	if err != nil {
		s.logger.Error("failed to encode session record", "error", err)
		return
	}
	s.logger.Info("session ended", "call_id", stats["call_id"], "record", string(data))
}
