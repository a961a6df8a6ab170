package persistence

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

// SQLUserDirectory reads users from the users table.
type SQLUserDirectory struct {
	conn database.Connection
	sb   sq.StatementBuilderType
}

// NewSQLUserDirectory creates a new directory.
func NewSQLUserDirectory(conn database.Connection) *SQLUserDirectory {
	return &SQLUserDirectory{conn: conn, sb: conn.Driver().Builder()}
}

// GetUser returns the user, or nil.
func (d *SQLUserDirectory) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return d.findOne(ctx, sq.Eq{"id": id})
}

// GetUserByEmail returns the user with the given email, or nil.
func (d *SQLUserDirectory) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return d.findOne(ctx, sq.Eq{"email": email})
}

func (d *SQLUserDirectory) findOne(ctx context.Context, where sq.Eq) (*domain.User, error) {
	query, args, err := d.sb.Select("id", "email", "full_name", "is_active").
		From("users").
		Where(where).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build user select: %w", err)
	}

	var user domain.User
	err = database.ExecutorFromContext(ctx, d.conn).QueryRow(ctx, query, args...).
		Scan(&user.ID, &user.Email, &user.FullName, &user.IsActive)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

var _ domain.UserDirectory = (*SQLUserDirectory)(nil)
