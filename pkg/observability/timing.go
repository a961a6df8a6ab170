package observability

import (
	"log/slog"
	"time"
)

// Outcome label values for operation metrics.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Timer measures one operation from StartTimer to Stop.
type Timer struct {
	operation string
	start     time.Time
	logger    *slog.Logger
	metrics   Metrics
}

// StartTimer starts timing operation. Either logger or metrics may be nil.
func StartTimer(operation string, logger *slog.Logger, metrics Metrics) *Timer {
	return &Timer{
		operation: operation,
		start:     time.Now(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Stop records the elapsed time and the outcome derived from err.
func (t *Timer) Stop(err error) time.Duration {
	elapsed := time.Since(t.start)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}

	if t.logger != nil {
		attrs := []any{OperationKey, t.operation, OutcomeKey, outcome, DurationKey, elapsed.Milliseconds()}
		if err != nil {
			attrs = append(attrs, ErrorKey, err.Error())
		}
		t.logger.Debug("operation finished", attrs...)
	}

	if t.metrics != nil {
		tags := []Tag{T(OperationKey, t.operation), T(OutcomeKey, outcome)}
		t.metrics.Timing(MetricOperationDuration, elapsed, tags...)
		t.metrics.Counter(MetricOperationTotal, 1, tags...)
	}
	return elapsed
}
