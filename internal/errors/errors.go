/*
Copyright 2025 Jordi Gil.

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

// Package errors provides the structured error taxonomy of the coordinator.
// Every failure is classified into a kind that determines how the caller
// reacts: transient kinds are retried or left for the timeout path, fatal
// kinds terminate the process after the journal has made the state durable.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a coordinator failure.
type Kind string

const (
	// KindTransport covers socket-not-existing and send-failed conditions.
	// Recovered by rebuilding the peer connection or refreshing the
	// participant address; otherwise the timeout path retries.
	KindTransport Kind = "transport"

	// KindRouting covers NotResponsible replies and stale participant
	// addresses.
	KindRouting Kind = "routing"

	// KindJournal covers journal append and lookup failures.
	KindJournal Kind = "journal"

	// KindProtocol covers events that are invalid for the current status.
	KindProtocol Kind = "protocol"

	// KindValidation covers malformed configuration and undecodable frames.
	KindValidation Kind = "validation"

	// KindFatal covers conditions the process cannot recover from. The
	// supervising loop terminates on them; journals guarantee crash
	// consistency.
	KindFatal Kind = "fatal"
)

// DAOError is a classified coordinator error.
type DAOError struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *DAOError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DAOError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches free-form context to the error.
func (e *DAOError) WithDetails(details string) *DAOError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted context to the error.
func (e *DAOError) WithDetailsf(format string, args ...interface{}) *DAOError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *DAOError {
	return &DAOError{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *DAOError {
	return &DAOError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(err error, kind Kind, message string) *DAOError {
	return &DAOError{Kind: kind, Message: message, Cause: err}
}

// Wrapf classifies an underlying error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *DAOError {
	return &DAOError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf returns the kind of err, or an empty kind for unclassified errors.
func KindOf(err error) Kind {
	var daoErr *DAOError
	if stderrors.As(err, &daoErr) {
		return daoErr.Kind
	}
	return ""
}

// IsFatal reports whether err requires process termination.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsTransient reports whether err is expected to clear on retry.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindRouting
}

// SendKind narrows a transport failure.
type SendKind string

const (
	// SendKindNoSocket means no connection to the receiver exists; the
	// address must be resolved again before a retry can succeed.
	SendKindNoSocket SendKind = "no-socket"

	// SendKindFailed means the connection existed but the transmission
	// failed.
	SendKindFailed SendKind = "send-failed"
)

// SendError reports which receiver of a fan-out failed and how. It replaces
// the errno-smuggled receiver index of older send layers.
type SendError struct {
	Receiver int
	Kind     SendKind
	Cause    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to receiver %d failed: %s: %v", e.Receiver, e.Kind, e.Cause)
}

func (e *SendError) Unwrap() error {
	return e.Cause
}

// NewSendError builds a classified SendError wrapped as a transport error.
func NewSendError(receiver int, kind SendKind, cause error) *DAOError {
	return &DAOError{
		Kind:    KindTransport,
		Message: "peer send failed",
		Cause:   &SendError{Receiver: receiver, Kind: kind, Cause: cause},
	}
}

// AsSendError extracts a SendError if err carries one.
func AsSendError(err error) (*SendError, bool) {
	var sendErr *SendError
	if stderrors.As(err, &sendErr) {
		return sendErr, true
	}
	return nil, false
}
