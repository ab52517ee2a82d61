// Package domain defines the typed error taxonomy shared by all mutation
// paths. Callers branch on these with errors.As; none of them is ever wrapped
// in an opaque panic.
package domain

import "fmt"

// NotFoundError reports a missing entity id. Not retryable.
type NotFoundError struct {
	Kind string // "trip", "ambulance"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError reports malformed input, e.g. non-numeric coordinates.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnauthorizedError reports an actor lacking scope for the operation.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// InvalidTransitionError reports a trip state machine violation. Not
// retryable: the requested jump will never become legal.
type InvalidTransitionError struct {
	TripID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trip %s: transition %s -> %s not allowed", e.TripID, e.From, e.To)
}

// ConflictError reports a concurrent binding or status conflict. It carries
// the current status and bound trip id so the caller can choose between
// retrying with another ambulance, a force override, or force-completing the
// stale trips.
type ConflictError struct {
	Reason        string
	AmbulanceID   string
	CurrentStatus string
	ActiveTripID  string
}

func (e *ConflictError) Error() string {
	if e.ActiveTripID != "" {
		return fmt.Sprintf("conflict: %s (ambulance %s status %s, active trip %s)",
			e.Reason, e.AmbulanceID, e.CurrentStatus, e.ActiveTripID)
	}
	return fmt.Sprintf("conflict: %s (ambulance %s status %s)", e.Reason, e.AmbulanceID, e.CurrentStatus)
}
