package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

// DefaultPlans is the starter catalog used by local installs.
var DefaultPlans = []domain.Plan{
	{
		Name:         "Basic",
		Price:        decimal.RequireFromString("9.99"),
		DurationDays: 30,
		Features:     "Basic features: 10 projects, 1GB storage, Email support",
		Description:  "Perfect for individuals getting started",
		IsActive:     true,
	},
	{
		Name:         "Pro",
		Price:        decimal.RequireFromString("29.99"),
		DurationDays: 30,
		Features:     "Pro features: 100 projects, 10GB storage, Priority support, Advanced analytics",
		Description:  "Great for growing businesses",
		IsActive:     true,
	},
	{
		Name:         "Enterprise",
		Price:        decimal.RequireFromString("99.99"),
		DurationDays: 30,
		Features:     "Enterprise features: Unlimited projects, 100GB storage, 24/7 support, Custom integrations",
		Description:  "For large organizations with advanced needs",
		IsActive:     true,
	},
	{
		Name:         "Annual Basic",
		Price:        decimal.RequireFromString("99.99"),
		DurationDays: 365,
		Features:     "Basic features: 10 projects, 1GB storage, Email support",
		Description:  "Basic plan with annual billing (2 months free)",
		IsActive:     true,
	},
}

// DefaultUser is the account created by Seed.
var DefaultUser = domain.User{
	Email:    "test@example.com",
	FullName: "Test User",
	IsActive: true,
}

// SeedResult counts rows created by Seed.
type SeedResult struct {
	PlansCreated int
	UsersCreated int
}

// Seed inserts the default plans and user when they do not exist yet.
// Existing rows, matched by plan name and user email, are left alone.
func Seed(ctx context.Context, conn database.Connection, now time.Time) (SeedResult, error) {
	var result SeedResult
	sb := conn.Driver().Builder()
	exec := database.ExecutorFromContext(ctx, conn)
	ts := conn.Driver().TimeValue(now)

	for _, plan := range DefaultPlans {
		query, args, err := sb.Insert("plans").
			Columns("id", "name", "price", "duration_days", "features", "description", "is_active", "created_at", "updated_at").
			Values(newID(), plan.Name, plan.Price, plan.DurationDays, plan.Features, plan.Description, plan.IsActive, ts, ts).
			Suffix("ON CONFLICT (name) DO NOTHING").
			ToSql()
		if err != nil {
			return result, fmt.Errorf("build plan seed: %w", err)
		}
		res, err := exec.Exec(ctx, query, args...)
		if err != nil {
			return result, fmt.Errorf("seed plan %s: %w", plan.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.PlansCreated++
		}
	}

	query, args, err := sb.Insert("users").
		Columns("id", "email", "full_name", "is_active", "created_at", "updated_at").
		Values(newID(), DefaultUser.Email, DefaultUser.FullName, DefaultUser.IsActive, ts, ts).
		Suffix("ON CONFLICT (email) DO NOTHING").
		ToSql()
	if err != nil {
		return result, fmt.Errorf("build user seed: %w", err)
	}
	res, err := exec.Exec(ctx, query, args...)
	if err != nil {
		return result, fmt.Errorf("seed user: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		result.UsersCreated++
	}
	return result, nil
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
