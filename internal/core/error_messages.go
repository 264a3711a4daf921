// Package core resolves point-in-time attribute values for the UCPath shadow.
//
// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// When staff encounter errors in the override screens, they can quote the code
// to support for faster diagnosis.
//
// # Snapshot Errors (SNAP001-SNAP099)
//
//	SNAP001 - Snapshot rejected: rows are malformed or share key, effective date and sequence
//	          Action: Re-run the warehouse extract; the previous snapshot stays active
//	          Match: *ValidationError raised by a load
//
//	SNAP002 - Load busy: too many snapshot loads in progress
//	          Action: Retry the load after the current one finishes
//	          Patterns: "too many snapshot loads"
//
// # Override Errors (OVR001-OVR099)
//
//	OVR001 - Overlapping window: another override already covers part of this window
//	         Action: Shorten or move the window, or edit the existing override
//	         Match: *OverlapError
//
//	OVR002 - Override not found: the override does not exist or was deleted
//	         Action: Refresh the override list
//	         Match: *NotFoundError
//
//	OVR003 - Invalid override: the override failed validation
//	         Action: Check the attribute, value and window dates
//	         Match: *ValidationError raised by an override mutation
//
//	OVR004 - Missing actor: the request did not identify who made the change
//	         Action: Sign in again
//	         Match: ErrMissingActor
//
//	OVR005 - Overrides disabled: this entity type is read-only
//	         Action: Correct the value in UCPath instead
//	         Match: ErrOverridesDisabled
//
// # Resolution Errors (RES001-RES099)
//
//	RES001 - Unknown entity type
//	         Action: Verify the entity type name
//	         Match: ErrUnknownEntityType
//
//	RES002 - Conflicting overrides: more than one override is active for this date
//	         Action: Contact support; this indicates data corruption
//	         Match: *InvariantViolation
//
// # Audit Errors (AUD001-AUD099)
//
//	AUD001 - Audit unavailable: the change could not be recorded and was not applied
//	         Action: Please try again in a few moments
//	         Patterns: "audit trail"
//
// # Database Errors (DB001-DB099)
//
//	DB004 - Connection refused: Unable to connect to database
//	        Action: Please try again in a few moments
//	        Patterns: "connection refused"
//
//	DB006 - Timeout: Request timed out
//	        Action: Please try again
//	        Patterns: "context deadline exceeded"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or contact support
//
// Typed errors are matched with errors.As/errors.Is first. Remaining errors are
// matched case-insensitively against the pattern list; the first match wins.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgAmbiguousSnapshot = UserMessage{
		Message: "The warehouse snapshot was rejected: some rows are malformed or ambiguous",
		Action:  "Re-run the warehouse extract; the previous snapshot stays active",
		Code:    "SNAP001",
	}
	msgLoadBusy = UserMessage{
		Message: "Another snapshot load is in progress",
		Action:  "Retry the load after the current one finishes",
		Code:    "SNAP002",
	}
	msgOverlap = UserMessage{
		Message: "Another override already covers part of this window",
		Action:  "Shorten or move the window, or edit the existing override",
		Code:    "OVR001",
	}
	msgOverrideNotFound = UserMessage{
		Message: "Override not found",
		Action:  "Refresh the override list",
		Code:    "OVR002",
	}
	msgInvalidOverride = UserMessage{
		Message: "The override is not valid",
		Action:  "Check the attribute, value and window dates",
		Code:    "OVR003",
	}
	msgMissingActor = UserMessage{
		Message: "The change does not identify who made it",
		Action:  "Sign in again",
		Code:    "OVR004",
	}
	msgOverridesDisabled = UserMessage{
		Message: "This data cannot be overridden locally",
		Action:  "Correct the value in UCPath instead",
		Code:    "OVR005",
	}
	msgUnknownEntity = UserMessage{
		Message: "Unknown entity type",
		Action:  "Verify the entity type name",
		Code:    "RES001",
	}
	msgInvariant = UserMessage{
		Message: "More than one override is active for this date",
		Action:  "Contact support; this indicates data corruption",
		Code:    "RES002",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps untyped technical errors (case-insensitive) to user messages.
// The first matching pattern wins, so more specific patterns come first.
var errorPatterns = []errorPattern{
	{
		pattern: "too many snapshot loads",
		msg:     msgLoadBusy,
	},
	{
		pattern: "audit trail",
		msg: UserMessage{
			Message: "The change could not be recorded and was not applied",
			Action:  "Please try again in a few moments",
			Code:    "AUD001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Please try again",
			Code:    "DB006",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
//
// Example:
//
//	_, err := store.Add(ctx, rec)
//	msg := MapError(err)
//	// msg.Code == "OVR001" for an overlapping window
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		overlap   *OverlapError
		notFound  *NotFoundError
		invariant *InvariantViolation
		invalid   *ValidationError
	)
	switch {
	case errors.As(err, &overlap):
		return msgOverlap
	case errors.As(err, &notFound):
		return msgOverrideNotFound
	case errors.As(err, &invariant):
		return msgInvariant
	case errors.Is(err, ErrMissingActor):
		return msgMissingActor
	case errors.Is(err, ErrOverridesDisabled):
		return msgOverridesDisabled
	case errors.Is(err, ErrUnknownEntityType):
		return msgUnknownEntity
	case errors.Is(err, ErrTooManyLoads):
		return msgLoadBusy
	case errors.As(err, &invalid):
		if isSnapshotValidation(invalid) {
			return msgAmbiguousSnapshot
		}
		return msgInvalidOverride
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// isSnapshotValidation reports whether the problems came from a snapshot load.
func isSnapshotValidation(e *ValidationError) bool {
	for _, p := range e.Problems {
		if strings.HasPrefix(p.Field, "row ") {
			return true
		}
	}
	return false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether an error maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
