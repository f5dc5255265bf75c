package models

import "errors"

var (
	// ErrInvalidTransition means the command is not valid for the alert's
	// current status. Surfaced to the caller, not retried.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateActiveAlert is the idempotency guard: a non-terminal alert
	// already exists for the (subject, category) pair.
	ErrDuplicateActiveAlert = errors.New("active alert already exists for subject and category")

	// ErrUnauthorized means the acting responder is not the assigned one.
	ErrUnauthorized = errors.New("responder not assigned to alert")

	// ErrStaleSample means the location sample is older than the last one
	// seen for the subject. Dropped and logged, never surfaced as a failure.
	ErrStaleSample = errors.New("location sample older than last seen")

	// ErrAlertNotFound means the alert id is unknown or already archived.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrPersistence means the durable write failed after bounded retries.
	// The in-memory transition is rolled back and the command nack'd.
	ErrPersistence = errors.New("persistence failed")
)
