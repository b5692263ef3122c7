package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriberNotFound  = errors.New("subscriber_not_found")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")

	// ErrLockContention is returned when another writer holds a live lease on
	// the subscriber. Transient; callers drop the work and let the event
	// source redeliver.
	ErrLockContention = errors.New("lock_contention")

	// ErrDuplicateRecallEntitlement guards the at-most-one-active-recall-subscription rule.
	ErrDuplicateRecallEntitlement = errors.New("duplicate_recall_entitlement")

	// ErrUpstreamMismatch marks a billing event inconsistent with local state.
	// Never auto-corrected; a full resync is required.
	ErrUpstreamMismatch = errors.New("upstream_mismatch")

	ErrEmailTaken = errors.New("email_taken")
)

// ValidationError is a field-attributed input error. Never retried.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Code)
}

func NewValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
