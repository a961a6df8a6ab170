package observability

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Metrics provides an interface for recording application metrics.
type Metrics interface {
	Counter(name string, value int64, tags ...Tag)
	Gauge(name string, value float64, tags ...Tag)
	Histogram(name string, value float64, tags ...Tag)
	// Timing records a duration in seconds.
	Timing(name string, duration time.Duration, tags ...Tag)
}

// Tag represents a key-value pair for metric labeling.
type Tag struct {
	Key   string
	Value string
}

// T creates a new Tag.
func T(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (NoopMetrics) Counter(name string, value int64, tags ...Tag)             {}
func (NoopMetrics) Gauge(name string, value float64, tags ...Tag)             {}
func (NoopMetrics) Histogram(name string, value float64, tags ...Tag)         {}
func (NoopMetrics) Timing(name string, duration time.Duration, tags ...Tag) {}

// InMemoryMetrics records values in maps keyed by metric name and label set.
// Label order does not matter, matching the Prometheus backend.
type InMemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	observed map[string][]float64
}

// NewInMemoryMetrics creates an empty collector for tests.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		observed: make(map[string][]float64),
	}
}

func (m *InMemoryMetrics) Counter(name string, value int64, tags ...Tag) {
	m.mu.Lock()
	m.counters[seriesKey(name, tags)] += value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	m.gauges[seriesKey(name, tags)] = value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...Tag) {
	key := seriesKey(name, tags)
	m.mu.Lock()
	m.observed[key] = append(m.observed[key], value)
	m.mu.Unlock()
}

// Timing is stored as a histogram observation in seconds.
func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.Histogram(name, duration.Seconds(), tags...)
}

func (m *InMemoryMetrics) GetCounter(name string, tags ...Tag) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[seriesKey(name, tags)]
}

func (m *InMemoryMetrics) GetGauge(name string, tags ...Tag) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[seriesKey(name, tags)]
}

func (m *InMemoryMetrics) GetHistogram(name string, tags ...Tag) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.observed[seriesKey(name, tags)]...)
}

// GetTimings returns the recorded durations for a timing series.
func (m *InMemoryMetrics) GetTimings(name string, tags ...Tag) []time.Duration {
	values := m.GetHistogram(name, tags...)
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(math.Round(v * float64(time.Second)))
	}
	return out
}

func seriesKey(name string, tags []Tag) string {
	labels, values := splitTags(tags)
	var b strings.Builder
	b.WriteString(name)
	for i := range labels {
		b.WriteString("{" + labels[i] + "=" + values[i] + "}")
	}
	return b.String()
}

// Metric names. They double as Prometheus metric names.
const (
	MetricOperationTotal    = "subscription_operations_total"
	MetricOperationDuration = "subscription_operation_duration_seconds"
	MetricMutationRetries   = "subscription_mutation_retries_total"

	MetricSubscriptionsCreated   = "subscriptions_created_total"
	MetricSubscriptionsCancelled = "subscriptions_cancelled_total"
	MetricPlanChanges            = "subscription_plan_changes_total"
	MetricSubscriptionsExpired   = "subscriptions_expired_total"

	MetricSweepDuration = "subscription_sweep_duration_seconds"
	MetricSweepSkipped  = "subscription_sweeps_skipped_total"
	MetricSweepErrors   = "subscription_sweep_errors_total"

	MetricPlanCacheHits   = "plan_cache_hits_total"
	MetricPlanCacheMisses = "plan_cache_misses_total"

	MetricOutboxPublished    = "outbox_messages_published_total"
	MetricOutboxFailed       = "outbox_messages_failed_total"
	MetricOutboxDeadLettered = "outbox_messages_dead_lettered_total"
	MetricOutboxPending      = "outbox_messages_pending"
)
