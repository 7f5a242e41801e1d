// Package pipeline holds the cross-cutting pieces of the orchestration
// core: the error taxonomy shared by every component and the deterministic
// identity helpers that back the idempotent-write discipline.
package pipeline

import "fmt"

// ErrorClass categorizes connector and archival failures. Only network,
// rate_limit and server failures are eligible for archival-style retry;
// auth and client are terminal until external reconfiguration.
type ErrorClass string

const (
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassServer    ErrorClass = "server"
	ErrorClassClient    ErrorClass = "client"
)

// Retryable reports whether failures of this class may be retried.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassNetwork, ErrorClassRateLimit, ErrorClassServer:
		return true
	}
	return false
}

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError signals a violation of single-active-job-per-resource.
// The caller should retry later or treat the work as already in progress.
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Detail)
}

// DuplicateKeyError signals a staged-object key that already exists,
// typically a retried sync job re-writing the same batch.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate storage key %q", e.Key)
}

// InvalidStateError signals an operation against a job not in the required
// state. It indicates a caller bug or a race worth investigating, never
// something to retry silently.
type InvalidStateError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, expected %s", e.Entity, e.ID, e.Actual, e.Expected)
}

// RegressionError signals a checkpoint advance that would move backward.
// Always a caller bug; the core never auto-corrects it.
type RegressionError struct {
	Transform string
	Detail    string
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("checkpoint regression for %s: %s", e.Transform, e.Detail)
}

// NotFoundError reports a missing entity by type and identifier.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
