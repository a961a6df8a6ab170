package persistence

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

var planColumns = []string{
	"id", "name", "price", "duration_days", "features", "description",
	"is_active", "created_at", "updated_at",
}

// SQLPlanCatalog reads plans from the plans table.
type SQLPlanCatalog struct {
	conn database.Connection
	sb   sq.StatementBuilderType
}

// NewSQLPlanCatalog creates a new catalog.
func NewSQLPlanCatalog(conn database.Connection) *SQLPlanCatalog {
	return &SQLPlanCatalog{conn: conn, sb: conn.Driver().Builder()}
}

// GetActivePlan returns the plan if it exists and is active, or nil.
func (c *SQLPlanCatalog) GetActivePlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	return c.findOne(ctx, sq.Eq{"id": id, "is_active": true})
}

// GetPlan returns the plan regardless of its active flag, or nil.
func (c *SQLPlanCatalog) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	return c.findOne(ctx, sq.Eq{"id": id})
}

// ListPlans returns plans ordered by price then name.
func (c *SQLPlanCatalog) ListPlans(ctx context.Context, activeOnly bool) ([]*domain.Plan, error) {
	b := c.sb.Select(planColumns...).From("plans").OrderBy("CAST(price AS REAL)", "name")
	if activeOnly {
		b = b.Where(sq.Eq{"is_active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build plan list: %w", err)
	}

	rows, err := database.ExecutorFromContext(ctx, c.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (c *SQLPlanCatalog) findOne(ctx context.Context, where sq.Eq) (*domain.Plan, error) {
	query, args, err := c.sb.Select(planColumns...).From("plans").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build plan select: %w", err)
	}
	plan, err := scanPlan(database.ExecutorFromContext(ctx, c.conn).QueryRow(ctx, query, args...))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return plan, err
}

func scanPlan(row database.Row) (*domain.Plan, error) {
	var (
		plan                 domain.Plan
		price                decimal.Decimal
		createdAt, updatedAt database.Timestamp
	)
	err := row.Scan(&plan.ID, &plan.Name, &price, &plan.DurationDays, &plan.Features,
		&plan.Description, &plan.IsActive, &createdAt, &updatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	plan.Price = price
	plan.CreatedAt = createdAt.Time
	plan.UpdatedAt = updatedAt.Time
	return &plan, nil
}

var _ domain.PlanCatalog = (*SQLPlanCatalog)(nil)
