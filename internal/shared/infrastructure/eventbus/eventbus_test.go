package eventbus

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

	"github.com/felixgeelhaar/subscriptions/internal/shared/domain"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

type testEvent struct {
	domain.BaseEvent
	PlanName string `json:"plan_name"`
}

func newTestEvent(routingKey string) *testEvent {
	return &testEvent{
		BaseEvent: domain.NewBaseEvent(uuid.New(), "Subscription", routingKey, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		PlanName:  "Pro",
	}
}

type recordingConsumer struct {
	types []string
	err   error

	mu   sync.Mutex
	seen []*Envelope
}

func (c *recordingConsumer) EventTypes() []string { return c.types }

func (c *recordingConsumer) Handle(_ context.Context, event *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, event)
	return c.err
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestNewEnvelope(t *testing.T) {
	event := newTestEvent("billing.subscription.created")
	userID := uuid.New()
	event.SetMetadata(domain.EventMetadata{UserID: userID})

	env, err := NewEnvelope(event)
	require.NoError(t, err)

	assert.Equal(t, event.EventID(), env.EventID)
	assert.Equal(t, event.AggregateID(), env.AggregateID)
	assert.Equal(t, "Subscription", env.AggregateType)
	assert.Equal(t, "billing.subscription.created", env.RoutingKey)
	assert.Equal(t, userID, env.Metadata.UserID)

	var payload struct {
		PlanName string `json:"plan_name"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "Pro", payload.PlanName)
}

func TestEnvelope_DecodeInvalid(t *testing.T) {
	env := &Envelope{RoutingKey: "x", Payload: json.RawMessage(`"not an object"`)}
	var v struct{ A int }
	assert.Error(t, env.Decode(&v))
}

func TestConsumerRegistry_Dispatch(t *testing.T) {
	registry := NewConsumerRegistry(observability.DiscardLogger())

	expired := &recordingConsumer{types: []string{"billing.subscription.expired"}}
	both := &recordingConsumer{types: []string{"billing.subscription.expired", "billing.subscription.cancelled"}}
	registry.Register(expired)
	registry.Register(both)

	assert.Equal(t, []string{"billing.subscription.cancelled", "billing.subscription.expired"}, registry.EventTypes())

	require.NoError(t, registry.Dispatch(context.Background(), &Envelope{RoutingKey: "billing.subscription.expired"}))
	require.NoError(t, registry.Dispatch(context.Background(), &Envelope{RoutingKey: "billing.subscription.cancelled"}))
	require.NoError(t, registry.Dispatch(context.Background(), &Envelope{RoutingKey: "billing.subscription.created"}))

	assert.Equal(t, 1, expired.count())
	assert.Equal(t, 2, both.count())
}

func TestConsumerRegistry_DispatchRunsAllConsumers(t *testing.T) {
	registry := NewConsumerRegistry(observability.DiscardLogger())
	boom := errors.New("boom")

	failing := &recordingConsumer{types: []string{"k"}, err: boom}
	ok := &recordingConsumer{types: []string{"k"}}
	registry.Register(failing)
	registry.Register(ok)

	err := registry.Dispatch(context.Background(), &Envelope{RoutingKey: "k"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.count())
}

func TestInProcessPublisher(t *testing.T) {
	registry := NewConsumerRegistry(observability.DiscardLogger())
	consumer := &recordingConsumer{types: []string{"billing.subscription.expired"}, err: errors.New("ignored")}
	registry.Register(consumer)

	publisher := NewInProcessPublisher(registry, observability.DiscardLogger())

	env, err := NewEnvelope(newTestEvent("billing.subscription.expired"))
	require.NoError(t, err)
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	// consumer errors do not fail the publish
	require.NoError(t, publisher.Publish(context.Background(), env.RoutingKey, payload))
	require.Equal(t, 1, consumer.count())
	assert.Equal(t, env.EventID, consumer.seen[0].EventID)

	t.Run("malformed payload is dropped", func(t *testing.T) {
		require.NoError(t, publisher.Publish(context.Background(), "billing.subscription.expired", []byte("{")))
		assert.Equal(t, 1, consumer.count())
	})

	assert.NoError(t, publisher.Close())
}

type flakyPublisher struct {
	err   error
	calls int
}

func (p *flakyPublisher) Publish(context.Context, string, []byte) error {
	p.calls++
	return p.err
}

func (p *flakyPublisher) Close() error { return nil }

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &flakyPublisher{err: errors.New("connection refused")}
	p := NewBreakerPublisher(next, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, observability.DiscardLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := p.Publish(ctx, "k", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBrokerUnavailable)
	}

	err := p.Publish(ctx, "k", nil)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 2, next.calls, "open breaker must not reach the broker")
	assert.Equal(t, "open", p.State().String())
}

func TestBreakerPublisher_PassesThroughSuccess(t *testing.T) {
	next := &flakyPublisher{}
	p := NewBreakerPublisher(next, BreakerConfig{}, nil)

	require.NoError(t, p.Publish(context.Background(), "k", []byte("{}")))
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, "closed", p.State().String())
	assert.NoError(t, p.Close())
}
