// Package errors holds the error definitions shared by the historian packages.
//
// It provides:
//   - sentinel errors for every failure class of the query engine
//   - category predicates (store, configuration, unsupported, state)
//   - CloseError, which keeps every failure of a multi-source close
//   - wrapping helpers
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found
	ErrNotFound      = errors.New("not found")
	ErrPointNotFound = errors.New("point not found")

	// Configuration errors are raised at construction or first use, never
	// in the middle of an iteration.
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrMissingField        = errors.New("missing required field")
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrZoneMismatch        = errors.New("time zone mismatch")
	ErrInvalidPeriod       = errors.New("invalid period")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("closed")

	// Unsupported operations are signalled explicitly instead of silently
	// doing nothing.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// Store I/O
	ErrStore    = errors.New("store error")
	ErrDatabase = errors.New("database error")

	ErrInternal = errors.New("internal error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPointNotFound)
}

// IsConfigError returns true if err is a configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnsupportedDataType) ||
		errors.Is(err, ErrZoneMismatch) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrClosed)
}

// IsStoreError returns true if err originated in a backing store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, ErrDatabase)
}

// IsUnsupported returns true if err reports an unsupported operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewStoreError marks err as a store I/O failure, keeping the cause.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// NewUnsupported reports that op is not supported by what.
func NewUnsupported(what, op string) error {
	return fmt.Errorf("%s does not support %s: %w", what, op, ErrUnsupportedOperation)
}

// ============================================================================
// Close errors
// ============================================================================

// CloseError is the result of closing several resources where more than one
// close failed. Primary is the first failure; the rest are Suppressed.
type CloseError struct {
	Primary    error
	Suppressed []error
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Primary.Error()
	}
	var b strings.Builder
	b.WriteString(e.Primary.Error())
	fmt.Fprintf(&b, " (%d suppressed:", len(e.Suppressed))
	for _, err := range e.Suppressed {
		b.WriteString(" ")
		b.WriteString(err.Error())
		b.WriteString(";")
	}
	b.WriteString(")")
	return b.String()
}

// Unwrap returns the primary error for errors.Is/As support.
func (e *CloseError) Unwrap() error {
	return e.Primary
}

// CloseCollector accumulates close failures in call order.
type CloseCollector struct {
	errs []error
}

// Add records err if it is non-nil.
func (c *CloseCollector) Add(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// Err returns nil, the single failure, or a *CloseError when there were
// several.
func (c *CloseCollector) Err() error {
	switch len(c.errs) {
	case 0:
		return nil
	case 1:
		return c.errs[0]
	default:
		return &CloseError{Primary: c.errs[0], Suppressed: c.errs[1:]}
	}
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
