package outbox

import (
	"context"
	"time"
)

// Repository defines the interface for outbox persistence.
type Repository interface {
	// SaveBatch stores messages. It joins the transaction in ctx when there
	// is one, so messages commit together with the state change that raised
	// them.
	SaveBatch(ctx context.Context, msgs []*Message) error

	// GetUnpublished retrieves messages that are neither published nor
	// dead-lettered and whose retry time has come, oldest first.
	GetUnpublished(ctx context.Context, limit int, now time.Time) ([]*Message, error)

	// MarkPublished marks a message as successfully published.
	MarkPublished(ctx context.Context, id int64, at time.Time) error

	// MarkFailed records a publish failure and schedules the next attempt.
	MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error

	// MarkDead marks a message as dead-lettered.
	MarkDead(ctx context.Context, id int64, reason string, at time.Time) error

	// DeleteOld removes published messages created before the cutoff.
	DeleteOld(ctx context.Context, before time.Time) (int64, error)

	// CountPending counts messages still waiting to be published.
	CountPending(ctx context.Context) (int64, error)
}
