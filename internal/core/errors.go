package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrConflict        = errors.New("draft already open")
	ErrVersionConflict = errors.New("version conflict")
	ErrNotEditable     = errors.New("no draft open")
	ErrUnknownAccount  = errors.New("unknown account")
	ErrNegativeWeight  = errors.New("non-positive share weight")
	ErrClearingCycle   = errors.New("clearing cycle")
	ErrValidation      = errors.New("validation failed")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
)

// ConflictError is returned when a draft is already held for the entity,
// either on open or when another actor tries to edit it.
type ConflictError struct {
	EntityID int64
	HeldBy   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entity %d: draft already open by user %d", e.EntityID, e.HeldBy)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// VersionConflictError is returned by Commit when the caller observed a stale version.
type VersionConflictError struct {
	EntityID int64
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("entity %d: expected version %d, stored version is %d", e.EntityID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

type NotEditableError struct {
	EntityID int64
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("entity %d: no draft open", e.EntityID)
}

func (e *NotEditableError) Is(target error) bool { return target == ErrNotEditable }

type UnknownAccountError struct {
	Field     string
	AccountID int64
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("%s: account %d does not exist in this group", e.Field, e.AccountID)
}

func (e *UnknownAccountError) Is(target error) bool {
	return target == ErrUnknownAccount || target == ErrValidation
}

type NegativeWeightError struct {
	Field     string
	AccountID int64
	Weight    float64
}

func (e *NegativeWeightError) Error() string {
	return fmt.Sprintf("%s: account %d has weight %g, weights must be > 0", e.Field, e.AccountID, e.Weight)
}

func (e *NegativeWeightError) Is(target error) bool {
	return target == ErrNegativeWeight || target == ErrValidation
}

// ClearingCycleError lists the clearing accounts that could not be ordered.
type ClearingCycleError struct {
	AccountIDs []int64
}

func (e *ClearingCycleError) Error() string {
	ids := make([]string, len(e.AccountIDs))
	for i, id := range e.AccountIDs {
		ids[i] = fmt.Sprint(id)
	}
	return "clearing accounts form a cycle: " + strings.Join(ids, ", ")
}

func (e *ClearingCycleError) Is(target error) bool { return target == ErrClearingCycle }

// ValidationError is a single field-level problem found at commit time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidationErrors collects every problem of a draft instead of stopping at the first.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, err := range v {
		msgs[i] = err.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// Unwrap exposes the individual errors to errors.As.
func (v ValidationErrors) Unwrap() []error { return v }

// Err returns nil when nothing was collected.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) add(field, format string, args ...any) {
	*v = append(*v, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

type ForbiddenError struct {
	UserID  int64
	GroupID int64
	Action  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %d may not %s in group %d", e.UserID, e.Action, e.GroupID)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func sortedIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
