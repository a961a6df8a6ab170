package outbox

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

const outboxTable = "outbox"

var outboxColumns = []string{
	"id", "event_id", "aggregate_type", "aggregate_id", "routing_key",
	"payload", "metadata", "created_at", "published_at", "next_retry_at",
	"retry_count", "last_error", "dead_lettered_at", "dead_letter_reason",
}

// SQLRepository implements Repository on a database.Connection, for both
// Postgres and SQLite.
type SQLRepository struct {
	conn database.Connection
	sb   sq.StatementBuilderType
}

// NewSQLRepository creates a new outbox repository.
func NewSQLRepository(conn database.Connection) *SQLRepository {
	return &SQLRepository{conn: conn, sb: conn.Driver().Builder()}
}

func (r *SQLRepository) timeArg(t time.Time) any {
	return r.conn.Driver().TimeValue(t)
}

// SaveBatch stores multiple outbox messages atomically.
func (r *SQLRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if database.InTransaction(ctx) {
		return r.insertAll(ctx, msgs)
	}

	uow := database.NewUnitOfWork(r.conn)
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	if err := r.insertAll(txCtx, msgs); err != nil {
		_ = uow.Rollback(txCtx)
		return err
	}
	return uow.Commit(txCtx)
}

func (r *SQLRepository) insertAll(ctx context.Context, msgs []*Message) error {
	exec := database.ExecutorFromContext(ctx, r.conn)
	for _, msg := range msgs {
		metadata := string(msg.Metadata)
		if metadata == "" {
			metadata = "{}"
		}
		query, args, err := r.sb.Insert(outboxTable).
			Columns("event_id", "aggregate_type", "aggregate_id", "routing_key", "payload", "metadata", "created_at").
			Values(msg.EventID, msg.AggregateType, msg.AggregateID, msg.RoutingKey, string(msg.Payload), metadata, r.timeArg(msg.CreatedAt)).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build outbox insert: %w", err)
		}
		if err := exec.QueryRow(ctx, query, args...).Scan(&msg.ID); err != nil {
			return fmt.Errorf("insert outbox message %s: %w", msg.EventID, err)
		}
	}
	return nil
}

// GetUnpublished retrieves messages that are due for publishing.
func (r *SQLRepository) GetUnpublished(ctx context.Context, limit int, now time.Time) ([]*Message, error) {
	query, args, err := r.sb.Select(outboxColumns...).
		From(outboxTable).
		Where(sq.Eq{"published_at": nil, "dead_lettered_at": nil}).
		Where(sq.Or{
			sq.Eq{"next_retry_at": nil},
			sq.LtOrEq{"next_retry_at": r.timeArg(now)},
		}).
		OrderBy("id").
		Limit(uint64(max(limit, 1))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return msgs, nil
}

func scanMessage(row database.Row) (*Message, error) {
	var (
		msg            Message
		payload        []byte
		metadata       []byte
		createdAt      database.Timestamp
		publishedAt    database.NullTimestamp
		nextRetryAt    database.NullTimestamp
		deadLetteredAt database.NullTimestamp
	)
	err := row.Scan(
		&msg.ID, &msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.RoutingKey,
		&payload, &metadata, &createdAt, &publishedAt, &nextRetryAt,
		&msg.RetryCount, &msg.LastError, &deadLetteredAt, &msg.DeadLetterReason,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}
	msg.Payload = payload
	msg.Metadata = metadata
	msg.CreatedAt = createdAt.Time
	msg.PublishedAt = publishedAt.Ptr()
	msg.NextRetryAt = nextRetryAt.Ptr()
	msg.DeadLetteredAt = deadLetteredAt.Ptr()
	return &msg, nil
}

// MarkPublished marks a message as successfully published.
func (r *SQLRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, id, r.sb.Update(outboxTable).
		Set("published_at", r.timeArg(at)))
}

// MarkFailed records a publish failure with error message.
func (r *SQLRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	return r.update(ctx, id, r.sb.Update(outboxTable).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", errMsg).
		Set("next_retry_at", r.timeArg(nextRetryAt)))
}

// MarkDead marks a message as dead-lettered.
func (r *SQLRepository) MarkDead(ctx context.Context, id int64, reason string, at time.Time) error {
	return r.update(ctx, id, r.sb.Update(outboxTable).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", reason).
		Set("dead_lettered_at", r.timeArg(at)).
		Set("dead_letter_reason", reason))
}

func (r *SQLRepository) update(ctx context.Context, id int64, b sq.UpdateBuilder) error {
	query, args, err := b.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox message %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox message %d: %w", id, database.ErrNoRows)
	}
	return nil
}

// DeleteOld removes published messages created before the cutoff.
func (r *SQLRepository) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := r.sb.Delete(outboxTable).
		Where(sq.NotEq{"published_at": nil}).
		Where(sq.Lt{"created_at": r.timeArg(before)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox delete: %w", err)
	}
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete old outbox messages: %w", err)
	}
	return res.RowsAffected()
}

// CountPending counts messages still waiting to be published.
func (r *SQLRepository) CountPending(ctx context.Context) (int64, error) {
	query, args, err := r.sb.Select("COUNT(*)").
		From(outboxTable).
		Where(sq.Eq{"published_at": nil, "dead_lettered_at": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox count: %w", err)
	}
	var n int64
	if err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox messages: %w", err)
	}
	return n, nil
}
