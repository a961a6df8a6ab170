package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Day is the length of one plan day. Terms are computed in UTC, so a day is
// always 24 hours.
const Day = 24 * time.Hour

// Plan is a priced, duration-bound product. Plans are owned by the catalog
// and read-only here.
type Plan struct {
	ID           uuid.UUID
	Name         string
	Price        decimal.Decimal
	DurationDays int
	Features     string
	Description  string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the catalog's guarantees on a plan.
func (p Plan) Validate() error {
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price %s is negative", ErrInvalidPlan, p.Price)
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d days", ErrInvalidPlan, p.DurationDays)
	}
	return nil
}

// Term returns the plan duration.
func (p Plan) Term() time.Duration {
	return time.Duration(p.DurationDays) * Day
}

// TermEnd returns when a term on this plan starting at start ends.
func (p Plan) TermEnd(start time.Time) time.Time {
	return start.Add(p.Term())
}
