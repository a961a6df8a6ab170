package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusActive, StatusCancelled, StatusExpired}

// ParseStatus parses a status name, ignoring case.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// IsValid checks if the status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

func (s Status) String() string { return string(s) }

// transitions is the state machine. ACTIVE to ACTIVE covers in-place
// changes such as switching plans.
var transitions = map[Status][]Status{
	StatusActive: {StatusActive, StatusCancelled, StatusExpired},
}

// CanTransition reports whether a subscription in from may move to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
