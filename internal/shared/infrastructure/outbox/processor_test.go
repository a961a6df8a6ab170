package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// mockRepository is a test double for outbox.Repository
type mockRepository struct {
	mu           sync.Mutex
	messages     []*outbox.Message
	publishedIDs []int64
	failedIDs    []int64
	deadIDs      []int64
	deleteBefore time.Time
	getErr       error
}

func newMockRepository() *mockRepository {
	return &mockRepository{}
}

func (r *mockRepository) SaveBatch(_ context.Context, msgs []*outbox.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		msg.ID = int64(len(r.messages) + 1)
		r.messages = append(r.messages, msg)
	}
	return nil
}

func (r *mockRepository) GetUnpublished(_ context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.getErr != nil {
		return nil, r.getErr
	}

	var result []*outbox.Message
	for _, msg := range r.messages {
		if msg.PublishedAt != nil || msg.DeadLetteredAt != nil {
			continue
		}
		if msg.NextRetryAt != nil && msg.NextRetryAt.After(now) {
			continue
		}
		result = append(result, msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *mockRepository) find(id int64) *outbox.Message {
	for _, msg := range r.messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (r *mockRepository) MarkPublished(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishedIDs = append(r.publishedIDs, id)
	if msg := r.find(id); msg != nil {
		msg.PublishedAt = &at
	}
	return nil
}

func (r *mockRepository) MarkFailed(_ context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedIDs = append(r.failedIDs, id)
	if msg := r.find(id); msg != nil {
		msg.RetryCount++
		msg.LastError = &errMsg
		msg.NextRetryAt = &nextRetryAt
	}
	return nil
}

func (r *mockRepository) MarkDead(_ context.Context, id int64, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadIDs = append(r.deadIDs, id)
	if msg := r.find(id); msg != nil {
		msg.DeadLetteredAt = &at
		msg.DeadLetterReason = &reason
	}
	return nil
}

func (r *mockRepository) DeleteOld(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteBefore = before
	return 3, nil
}

func (r *mockRepository) CountPending(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, msg := range r.messages {
		if msg.PublishedAt == nil && msg.DeadLetteredAt == nil {
			n++
		}
	}
	return n, nil
}

// mockPublisher is a test double for eventbus.Publisher
type mockPublisher struct {
	mu          sync.Mutex
	published   []string
	failForKeys map[string]bool
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{failForKeys: make(map[string]bool)}
}

func (p *mockPublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failForKeys[routingKey] {
		return errors.New("publish failed")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *mockPublisher) Close() error {
	return nil
}

func (p *mockPublisher) PublishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func createTestMessage(routingKey string) *outbox.Message {
	payload, _ := json.Marshal(map[string]string{"test": "data"})
	return &outbox.Message{
		EventID:       uuid.New(),
		AggregateType: "Subscription",
		AggregateID:   uuid.New(),
		RoutingKey:    routingKey,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

func seed(t *testing.T, repo *mockRepository, keys ...string) {
	t.Helper()
	msgs := make([]*outbox.Message, 0, len(keys))
	for _, key := range keys {
		msgs = append(msgs, createTestMessage(key))
	}
	require.NoError(t, repo.SaveBatch(context.Background(), msgs))
}

func TestProcessor_ProcessOnce(t *testing.T) {
	repo := newMockRepository()
	publisher := newMockPublisher()
	metrics := observability.NewInMemoryMetrics()
	processor := outbox.NewProcessor(repo, publisher, outbox.DefaultProcessorConfig(), nil, outbox.WithMetrics(metrics))

	seed(t, repo, "billing.subscription.created", "billing.subscription.cancelled")

	err := processor.ProcessOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, publisher.PublishedCount())
	assert.Len(t, repo.publishedIDs, 2)
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricOutboxPublished,
		observability.T("routing_key", "billing.subscription.created")))
	assert.Equal(t, 0.0, metrics.GetGauge(observability.MetricOutboxPending))

	stats := processor.GetStats()
	assert.Equal(t, uint64(2), stats.PublishedCount)
	assert.NotNil(t, stats.LastProcessedAt)
	assert.NotNil(t, stats.OldestMessageAt)
	assert.GreaterOrEqual(t, stats.LagSeconds, 0.0)
}

func TestProcessor_ProcessOnce_PublishFailure(t *testing.T) {
	repo := newMockRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["test.event.fail"] = true
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	processor := outbox.NewProcessor(repo, publisher, outbox.DefaultProcessorConfig(), nil,
		outbox.WithClock(func() time.Time { return now }))

	seed(t, repo, "test.event.success", "test.event.fail")

	err := processor.ProcessOnce(context.Background())

	require.NoError(t, err) // Processor itself doesn't fail
	assert.Equal(t, 1, publisher.PublishedCount())
	assert.Len(t, repo.publishedIDs, 1)
	require.Len(t, repo.failedIDs, 1)

	failed := repo.messages[1]
	require.NotNil(t, failed.NextRetryAt)
	assert.Equal(t, now.Add(time.Second), *failed.NextRetryAt)

	// not due yet, so the second pass does not retry it
	require.NoError(t, processor.ProcessOnce(context.Background()))
	assert.Len(t, repo.failedIDs, 1)

	stats := processor.GetStats()
	assert.Equal(t, uint64(1), stats.PublishedCount)
	assert.Equal(t, uint64(1), stats.FailedCount)
	assert.Equal(t, "publish failed", stats.LastError)
}

func TestProcessor_ProcessOnce_BackoffGrows(t *testing.T) {
	repo := newMockRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["k"] = true
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	config := outbox.DefaultProcessorConfig()
	config.MaxRetries = 10
	config.RetryBackoffMax = 3 * time.Second
	processor := outbox.NewProcessor(repo, publisher, config, nil,
		outbox.WithClock(func() time.Time { return now }))

	seed(t, repo, "k")
	msg := repo.messages[0]

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		require.NoError(t, processor.ProcessOnce(context.Background()))
		delays = append(delays, msg.NextRetryAt.Sub(now))
		now = *msg.NextRetryAt
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, delays)
}

func TestProcessor_ProcessOnce_DeadLettersAfterMaxRetries(t *testing.T) {
	repo := newMockRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["test.event.fail"] = true
	metrics := observability.NewInMemoryMetrics()
	config := outbox.DefaultProcessorConfig()
	config.MaxRetries = 1
	processor := outbox.NewProcessor(repo, publisher, config, nil, outbox.WithMetrics(metrics))

	seed(t, repo, "test.event.fail")

	err := processor.ProcessOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, publisher.PublishedCount())
	assert.Empty(t, repo.failedIDs)
	assert.Len(t, repo.deadIDs, 1)
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricOutboxDeadLettered,
		observability.T("routing_key", "test.event.fail")))
	assert.Equal(t, uint64(1), processor.GetStats().DeadCount)
}

func TestProcessor_ProcessOnce_RepositoryError(t *testing.T) {
	repo := newMockRepository()
	repo.getErr = errors.New("database is locked")
	processor := outbox.NewProcessor(repo, newMockPublisher(), outbox.DefaultProcessorConfig(), nil)

	err := processor.ProcessOnce(context.Background())

	assert.ErrorIs(t, err, repo.getErr)
	assert.NotNil(t, processor.GetStats().LastErrorAt)
}

func TestProcessor_Run(t *testing.T) {
	repo := newMockRepository()
	publisher := newMockPublisher()
	config := outbox.DefaultProcessorConfig()
	config.PollInterval = 10 * time.Millisecond
	processor := outbox.NewProcessor(repo, publisher, config, observability.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()

	seed(t, repo, "billing.subscription.expired")

	require.Eventually(t, func() bool { return publisher.PublishedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, processor.GetStats().IsRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
	assert.False(t, processor.IsRunning())
}

func TestProcessor_RunTwice(t *testing.T) {
	config := outbox.DefaultProcessorConfig()
	config.PollInterval = time.Hour
	processor := outbox.NewProcessor(newMockRepository(), newMockPublisher(), config, observability.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = processor.Run(ctx) }()
	require.Eventually(t, processor.IsRunning, time.Second, time.Millisecond)

	assert.Error(t, processor.Run(ctx))
}

func TestProcessor_Cleanup(t *testing.T) {
	repo := newMockRepository()
	now := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
	config := outbox.DefaultProcessorConfig()
	config.Retention = 7 * 24 * time.Hour
	processor := outbox.NewProcessor(repo, newMockPublisher(), config, observability.DiscardLogger(),
		outbox.WithClock(func() time.Time { return now }))

	deleted, err := processor.Cleanup(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Equal(t, time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC), repo.deleteBefore)
}
