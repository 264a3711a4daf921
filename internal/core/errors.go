package core

// errors.go defines the typed failures of the resolution core.
//
// Every failure is returned to the caller; nothing here retries. Callers use
// errors.As to branch on the concrete type and MapError for display.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrUnknownEntityType is returned for queries against an unregistered entity type.
var ErrUnknownEntityType = errors.New("unknown entity type")

// ErrMissingActor is returned when an override mutation carries no actor identity.
var ErrMissingActor = errors.New("missing actor identity")

// ErrOverridesDisabled is returned when an entity type does not accept overrides.
var ErrOverridesDisabled = errors.New("overrides disabled for entity type")

// FieldError describes a single problem found while validating input.
type FieldError struct {
	Field   string `json:"field"`           // Field, attribute or key being validated
	Value   string `json:"value,omitempty"` // The offending value, if any
	Message string `json:"message"`         // Human-readable error message
}

func (e FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationError reports malformed or ambiguous input: duplicate version
// markers in a snapshot load, or an invalid override window. It collects every
// problem found rather than stopping at the first.
type ValidationError struct {
	EntityType string
	Problems   []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	prefix := "validation failed"
	if e.EntityType != "" {
		prefix = fmt.Sprintf("validation failed for %s", e.EntityType)
	}
	return fmt.Sprintf("%s: %s", prefix, strings.Join(msgs, "; "))
}

// add records a problem.
func (e *ValidationError) add(field, value, format string, args ...any) {
	e.Problems = append(e.Problems, FieldError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf(format, args...),
	})
}

// orNil returns e when it holds problems, nil otherwise.
func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// OverlapError reports that an override window conflicts with an existing,
// non-deleted override for the same key and attribute.
type OverlapError struct {
	EntityType string
	Key        NaturalKey
	Attribute  string
	Window     string    // Rejected window
	Existing   uuid.UUID // Conflicting record
	ExistingAt string    // Conflicting record's window
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("override window overlaps: %s %s.%s %s conflicts with %s %s",
		e.EntityType, e.Key, e.Attribute, e.Window, e.Existing, e.ExistingAt)
}

// NotFoundError reports an update or delete against an unknown or deleted override id.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("override not found: %s", e.ID)
}

// InvariantViolation signals data corruption: more than one active override
// for one key, attribute and date. Overlap enforcement makes this unreachable
// under correct writes, so it is surfaced as a hard failure.
type InvariantViolation struct {
	EntityType string
	Key        NaturalKey
	Attribute  string
	AsOf       Date
	Matches    []uuid.UUID
}

func (e *InvariantViolation) Error() string {
	ids := make([]string, len(e.Matches))
	for i, id := range e.Matches {
		ids[i] = id.String()
	}
	return fmt.Sprintf("invariant violation: %d active overrides for %s %s.%s as of %s (%s)",
		len(e.Matches), e.EntityType, e.Key, e.Attribute, e.AsOf, strings.Join(ids, ", "))
}
