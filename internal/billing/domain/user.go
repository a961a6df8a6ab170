package domain

import "github.com/google/uuid"

// User is a snapshot of an account from the user directory.
type User struct {
	ID       uuid.UUID
	Email    string
	FullName string
	IsActive bool
}
