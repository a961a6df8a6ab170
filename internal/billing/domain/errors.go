package domain

import "errors"

// Error kinds. Callers branch on these with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidState        = errors.New("invalid state")
	ErrConstraintViolation = errors.New("constraint violation")
)

var (
	ErrUserNotFound           = newError(ErrNotFound, "user not found")
	ErrPlanNotFound           = newError(ErrNotFound, "plan not found or inactive")
	ErrSubscriptionNotFound   = newError(ErrNotFound, "subscription not found")
	ErrNoActiveSubscription   = newError(ErrNotFound, "no active subscription found for user")
	ErrAlreadySubscribed      = newError(ErrConflict, "user already has an active subscription")
	ErrConcurrentModification = newError(ErrConflict, "subscription was modified concurrently")
	ErrSubscriptionTerminal   = newError(ErrInvalidState, "subscription is no longer active")
	ErrInvalidStatus          = errors.New("invalid subscription status")
	ErrInvalidPlan            = errors.New("invalid plan")
)

// kindError is a specific error that matches its kind under errors.Is.
type kindError struct {
	kind error
	msg  string
}

func newError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }
