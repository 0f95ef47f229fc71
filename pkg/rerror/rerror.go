/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rerror defines the tagged error kinds used across the release
// pipeline. Every failure carries a kind, a human message, and an optional
// wrapped cause, and each kind maps to a distinct process exit status.
package rerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure for exit-status and retry-policy purposes.
type Kind string

const (
	InvalidInputs     Kind = "InvalidInputs"
	MissingVersion    Kind = "MissingVersion"
	OidcUnavailable   Kind = "OidcUnavailable"
	AuthExchange      Kind = "AuthExchange"
	ForgeUnavailable  Kind = "ForgeUnavailable"
	EvaluationFailed  Kind = "EvaluationFailed"
	SnapshotIO        Kind = "SnapshotIo"
	SourceTooLarge    Kind = "SourceTooLarge"
	ReserveConflict   Kind = "ReserveConflict"
	IntegrityMismatch Kind = "IntegrityMismatch"
	ClientError       Kind = "ClientError"
	ServerError       Kind = "ServerError"
	NetworkError      Kind = "NetworkError"
	ReservationLost   Kind = "ReservationLost"
	Internal          Kind = "Internal"
)

// exitCodes assigns each Kind a stable, distinct non-zero process exit
// status. 0 is reserved for success and is never returned here.
var exitCodes = map[Kind]int{
	InvalidInputs:     10,
	MissingVersion:    11,
	OidcUnavailable:   20,
	AuthExchange:      21,
	ForgeUnavailable:  30,
	EvaluationFailed:  40,
	SnapshotIO:        50,
	SourceTooLarge:    51,
	ReserveConflict:   60,
	IntegrityMismatch: 61,
	ReservationLost:   62,
	ClientError:       70,
	ServerError:       71,
	NetworkError:      72,
	Internal:          1,
}

// Error is the typed error every component in this repository returns on
// failure. It carries the classification needed to pick a process exit
// status and to decide, at the call site, whether a retry is appropriate.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitCode returns the process exit status associated with e's Kind.
func (e *Error) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return 1
}

// New builds a fresh Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a fresh Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to an existing cause, preserving the cause
// as a typed field rather than flattening it into the message string.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	if existing, ok := cause.(*Error); ok {
		// Don't re-wrap our own taxonomy; preserve the original kind but
		// prepend context, matching errors.Wrap's "outer: inner" convention.
		return &Error{
			Kind:    existing.Kind,
			Message: message + ": " + existing.Message,
			Cause:   existing.Cause,
		}
	}
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *Error {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// outside this taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
