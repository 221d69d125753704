// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package doserr defines the error taxonomy shared by the reminder client and
// the sync server. Capacity truncation is not an error: the scheduler
// drops excess occurrences silently.
package doserr

import (
	"errors"
	"fmt"
)

// Validation codes
const (
	CodeInvalidRule     = "invalid_rule"
	CodeDuplicateTime   = "duplicate_reminder_time"
	CodeInvalidRange    = "invalid_range"
	CodeInvalidEvent    = "invalid_event"
	CodeBatchTooLarge   = "batch_too_large"
	CodeInvalidArgument = "invalid_argument"
)

// ValidationError reports a malformed request. It is surfaced to the caller and never retried.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidation builds a ValidationError
func NewValidation(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown medication, schedule or delivery id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransientError wraps a network or storage failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError; nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsValidation reports whether err carries a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err carries a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err carries a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationCode returns the code of the first ValidationError in err's chain, or "".
func ValidationCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
