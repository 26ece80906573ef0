// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies errors reported to clients.
type Kind string

const (
	// KindInvalidArgument is an unknown name, domain, index, or a malformed request.
	KindInvalidArgument Kind = "invalid-argument"
	// KindPermissionDenied is an access-list violation or a non-privileged caller.
	KindPermissionDenied Kind = "permission-denied"
	// KindWriteDenied means another session holds the write lock.
	KindWriteDenied Kind = "write-denied"
	// KindNoSession means the operation requires an open session.
	KindNoSession Kind = "no-session"
	// KindDuplicateSession means the session can't be attached to again.
	KindDuplicateSession Kind = "duplicate-session"
	// KindCorruptState is a failed check or validation of persisted state.
	KindCorruptState Kind = "corrupt-state"
	// KindConfiguration is an invalid access-list group or configuration.
	KindConfiguration Kind = "configuration"
	// KindBackend is a failure reported by the hardware back-end.
	KindBackend Kind = "backend-error"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Kinds lists every error kind.
var Kinds = []Kind{
	KindInvalidArgument,
	KindPermissionDenied,
	KindWriteDenied,
	KindNoSession,
	KindDuplicateSession,
	KindCorruptState,
	KindConfiguration,
	KindBackend,
	KindInternal,
}

// Error is an error with a Kind and a short context message.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Context + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Context
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same Kind, so errors.Is(err, api.ErrNoSession) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Context == ""
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrWriteDenied      = &Error{Kind: KindWriteDenied}
	ErrNoSession        = &Error{Kind: KindNoSession}
	ErrDuplicateSession = &Error{Kind: KindDuplicateSession}
	ErrCorruptState     = &Error{Kind: KindCorruptState}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrBackend          = &Error{Kind: KindBackend}
	ErrInternal         = &Error{Kind: KindInternal}
)

// NewError creates an error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// WrapError wraps err as an error of the given kind.
func WrapError(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...), Err: err}
}

// InvalidArgument creates a KindInvalidArgument error.
func InvalidArgument(format string, args ...interface{}) error {
	return NewError(KindInvalidArgument, format, args...)
}

// PermissionDenied creates a KindPermissionDenied error.
func PermissionDenied(format string, args ...interface{}) error {
	return NewError(KindPermissionDenied, format, args...)
}

// WriteDenied creates a KindWriteDenied error.
func WriteDenied(format string, args ...interface{}) error {
	return NewError(KindWriteDenied, format, args...)
}

// NoSession creates a KindNoSession error.
func NoSession(format string, args ...interface{}) error {
	return NewError(KindNoSession, format, args...)
}

// CorruptState creates a KindCorruptState error.
func CorruptState(format string, args ...interface{}) error {
	return NewError(KindCorruptState, format, args...)
}

// Configuration creates a KindConfiguration error.
func Configuration(format string, args ...interface{}) error {
	return NewError(KindConfiguration, format, args...)
}

// Internal creates a KindInternal error.
func Internal(format string, args ...interface{}) error {
	return NewError(KindInternal, format, args...)
}

// KindOf returns the Kind of err, KindInternal for errors without one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ParseKind returns the Kind with the given name.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return KindInternal, false
}
