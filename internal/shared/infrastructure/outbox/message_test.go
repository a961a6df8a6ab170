package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/shared/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/eventbus"
)

// testEvent is a concrete implementation of DomainEvent for testing.
type testEvent struct {
	domain.BaseEvent
	Data string `json:"data"`
}

func newTestEvent(aggregateID uuid.UUID, data string) *testEvent {
	return &testEvent{
		BaseEvent: domain.NewBaseEvent(aggregateID, "TestAggregate", "test.event.created", time.Now()),
		Data:      data,
	}
}

func TestNewMessage(t *testing.T) {
	t.Run("creates message from domain event", func(t *testing.T) {
		aggregateID := uuid.New()
		event := newTestEvent(aggregateID, "test data")

		msg, err := NewMessage(event)

		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, event.EventID(), msg.EventID)
		assert.Equal(t, "TestAggregate", msg.AggregateType)
		assert.Equal(t, aggregateID, msg.AggregateID)
		assert.Equal(t, "test.event.created", msg.RoutingKey)
		assert.Equal(t, event.OccurredAt(), msg.CreatedAt)
		assert.Equal(t, int64(0), msg.ID)
		assert.Nil(t, msg.PublishedAt)
		assert.Nil(t, msg.NextRetryAt)
		assert.Equal(t, 0, msg.RetryCount)
		assert.Nil(t, msg.LastError)
		assert.False(t, msg.IsDead())
	})

	t.Run("payload is the event envelope", func(t *testing.T) {
		event := newTestEvent(uuid.New(), "test payload data")

		msg, err := NewMessage(event)
		require.NoError(t, err)

		var env eventbus.Envelope
		require.NoError(t, json.Unmarshal(msg.Payload, &env))
		assert.Equal(t, event.EventID(), env.EventID)
		assert.Equal(t, "test.event.created", env.RoutingKey)

		var body struct {
			Data string `json:"data"`
		}
		require.NoError(t, env.Decode(&body))
		assert.Equal(t, "test payload data", body.Data)
	})

	t.Run("serializes event metadata to JSON", func(t *testing.T) {
		event := newTestEvent(uuid.New(), "test")
		metadata := domain.EventMetadata{
			CorrelationID: uuid.New(),
			CausationID:   uuid.New(),
			UserID:        uuid.New(),
		}
		event.SetMetadata(metadata)

		msg, err := NewMessage(event)

		require.NoError(t, err)
		assert.Contains(t, string(msg.Metadata), metadata.CorrelationID.String())
	})
}

func TestNewMessages(t *testing.T) {
	events := []domain.DomainEvent{
		newTestEvent(uuid.New(), "a"),
		newTestEvent(uuid.New(), "b"),
	}

	msgs, err := NewMessages(events)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, events[1].EventID(), msgs[1].EventID)
}

func TestMessage_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 2, 5, true},
		{"zero count", 0, 3, true},
		{"equals max", 5, 5, false},
		{"exceeds max", 10, 5, false},
		{"max retries zero", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{RetryCount: tt.retryCount}
			assert.Equal(t, tt.want, msg.CanRetry(tt.maxRetries))
		})
	}
}

func TestMessage_IsPublished(t *testing.T) {
	msg := &Message{}
	assert.False(t, msg.IsPublished())

	now := time.Now()
	msg.PublishedAt = &now
	assert.True(t, msg.IsPublished())
}
