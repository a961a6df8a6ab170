package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/migrations"
)

// ErrNotInitialized is returned by commands run without a database.
var ErrNotInitialized = errors.New("application not initialized - database connection required")

// PlanLister reads the plan catalog.
type PlanLister interface {
	ListPlans(ctx context.Context, activeOnly bool) ([]*domain.Plan, error)
}

// Maintenance runs schema and data setup.
type Maintenance interface {
	Migrate(ctx context.Context) ([]migrations.Result, error)
	Seed(ctx context.Context) (persistence.SeedResult, error)
}

// App holds the CLI application dependencies.
type App struct {
	Manager     *application.Manager
	Plans       PlanLister
	Maintenance Maintenance

	// DefaultUserID is used when --user is not given. Nil means --user is
	// required.
	DefaultUserID uuid.UUID
}

// NewApp creates a new CLI application.
func NewApp(manager *application.Manager, plans PlanLister, maintenance Maintenance) *App {
	return &App{
		Manager:     manager,
		Plans:       plans,
		Maintenance: maintenance,
	}
}

// SetDefaultUserID updates the default user.
func (a *App) SetDefaultUserID(id uuid.UUID) {
	a.DefaultUserID = id
}

// ResolveUser parses the --user flag, falling back to the default user.
func (a *App) ResolveUser(flag string) (uuid.UUID, error) {
	if flag == "" {
		if a.DefaultUserID == uuid.Nil {
			return uuid.Nil, errors.New("--user is required (or set CLI_USER_ID)")
		}
		return a.DefaultUserID, nil
	}
	id, err := uuid.Parse(flag)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user ID: %w", err)
	}
	return id, nil
}

// ResolvePlan accepts a plan ID or a plan name (case-insensitive). Names
// only match active plans.
func (a *App) ResolvePlan(ctx context.Context, ref string) (uuid.UUID, error) {
	if ref == "" {
		return uuid.Nil, errors.New("--plan is required")
	}
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	if a.Plans == nil {
		return uuid.Nil, ErrNotInitialized
	}

	plans, err := a.Plans.ListPlans(ctx, true)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to list plans: %w", err)
	}
	for _, p := range plans {
		if strings.EqualFold(p.Name, ref) {
			return p.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: %q", domain.ErrPlanNotFound, ref)
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}

// RequireManager returns the app when the subscription manager is wired.
func RequireManager() (*App, error) {
	if app == nil || app.Manager == nil {
		return nil, ErrNotInitialized
	}
	return app, nil
}
