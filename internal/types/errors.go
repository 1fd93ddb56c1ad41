package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the orchestration error taxonomy. Typed errors below match
// their sentinel with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrValidation           = errors.New("validation failure")
	ErrDependencyUnresolved = errors.New("dependency unresolved")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrTimeout              = errors.New("timeout")
)

// Error codes surfaced to workers.
const (
	CodeAlreadyStarted = "ALREADY_STARTED"
)

// NotFoundError indicates a referenced job, task, schedule or artifact is absent.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError for a uuid-keyed entity.
func NotFound(entity string, id uuid.UUID) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// IllegalTransitionError indicates a state machine rule was violated.
type IllegalTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Code   string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// ValidationError indicates malformed input: payloads, review fields, cron expressions.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DependencyUnresolvedError signals that a task references outputs of tasks that have
// not succeeded yet. It is a scheduling signal, not a failure.
type DependencyUnresolvedError struct {
	TaskID  uuid.UUID
	Missing []string
}

func (e *DependencyUnresolvedError) Error() string {
	return fmt.Sprintf("task %s waits on: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

func (e *DependencyUnresolvedError) Is(target error) bool { return target == ErrDependencyUnresolved }

// ConstraintViolationError indicates a concurrent write was rejected by a uniqueness
// constraint or an equivalent invariant check.
type ConstraintViolationError struct {
	Constraint string
	Cause      error
}

func (e *ConstraintViolationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("constraint violation: %s: %v", e.Constraint, e.Cause)
	}
	return fmt.Sprintf("constraint violation: %s", e.Constraint)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Cause }

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

// TimeoutError indicates a running task exceeded the stale threshold.
type TimeoutError struct {
	TaskID uuid.UUID
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded stale timeout of %s", e.TaskID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
