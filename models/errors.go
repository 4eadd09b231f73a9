package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/garment_backend/utils"
)

var (
	ErrAlreadyCompleted = errors.New("job is already completed")
	ErrLockConflict     = utils.ErrLockConflict
)

// ValidationError is returned for malformed input, before any transaction opens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) RejectionKind() string { return "validation" }

// OverAssignmentError enumerates every size where the request exceeds what is available.
type OverAssignmentError struct {
	Shortfalls []SizeShortfall
}

func (e *OverAssignmentError) Error() string {
	return "over-assignment: " + describeShortfalls(e.Shortfalls)
}

func (e *OverAssignmentError) RejectionKind() string { return "over_assignment" }

// InsufficientStockError is returned when a fabric roll or the sellable stock pool is short.
type InsufficientStockError struct {
	Resource   string
	Id         int
	Shortfalls []SizeShortfall
}

func (e *InsufficientStockError) Error() string {
	if e.Id > 0 {
		return fmt.Sprintf("insufficient %s #%d: %s", e.Resource, e.Id, describeShortfalls(e.Shortfalls))
	}
	return fmt.Sprintf("insufficient %s: %s", e.Resource, describeShortfalls(e.Shortfalls))
}

func (e *InsufficientStockError) RejectionKind() string { return "insufficient_stock" }

type NotFoundError struct {
	Resource string
	Id       int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s #%d not found", e.Resource, e.Id)
}

func (e *NotFoundError) RejectionKind() string { return "not_found" }

// InternalError wraps storage failures. Its message is never shown to callers.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) RejectionKind() string { return "internal" }

// RejectionKind maps an engine error to the label used in metrics and error bodies.
func RejectionKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrLockConflict):
		return "lock_conflict"
	}
	var k interface{ RejectionKind() string }
	if errors.As(err, &k) {
		return k.RejectionKind()
	}
	return "internal"
}

// IsDomainError reports whether err is one of the engine's typed rejections.
func IsDomainError(err error) bool {
	var (
		ve *ValidationError
		oe *OverAssignmentError
		ie *InsufficientStockError
		ne *NotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &oe) || errors.As(err, &ie) || errors.As(err, &ne) ||
		errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrLockConflict)
}

func describeShortfalls(shortfalls []SizeShortfall) string {
	parts := make([]string, 0, len(shortfalls))
	for _, s := range shortfalls {
		parts = append(parts, fmt.Sprintf("%s (available %d, requested %d)", s.Size, s.Available, s.Requested))
	}
	return strings.Join(parts, ", ")
}

func notFound(resource string, id int) error {
	return &NotFoundError{Resource: resource, Id: id}
}

// validateInput runs the struct tags of input and reports the first failing field.
func validateInput(input any) error {
	if err := utils.ValidateStruct(input); err != nil {
		failures := utils.ProcessValidationErrors(err)
		fields := make([]string, 0, len(failures))
		for field := range failures {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		return &ValidationError{Field: fields[0], Message: "failed on '" + failures[fields[0]] + "' rule"}
	}
	return nil
}
