// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package eventbus

import (
	"errors"
	"fmt"
	"strings"
)

// RetryableError marks a failure worth redelivering: connection drops,
// timeouts, broker unavailability. Consumers Nak these.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a failure redelivery cannot fix: malformed data,
// constraint violations, logic errors. Consumers route these to the DLQ.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v (permanent)", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// SchemaValidationError is returned by the publish-side schema gate when
// a payload fails its topic contract. The broker is never contacted.
type SchemaValidationError struct {
	Subject string
	Errors  []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("payload rejected by contract for %s: %s", e.Subject, strings.Join(e.Errors, "; "))
}

// Retryable wraps err as a RetryableError.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// IsRetryable reports whether err carries a RetryableError anywhere in
// its chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
