// Copyright 2025 UMH Systems GmbH
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

// Package status defines the canonical error codes used by the sync protocol
// and helpers to classify them.
package status

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/united-manufacturing-hub/docsync/pkg/backoff"
)

// Code is one of the canonical protocol error codes.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = [...]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}

	return fmt.Sprintf("Code(%d)", int(c))
}

// ParseCode maps a code name such as "NOT_FOUND" back to its Code. Unknown
// names map to Unknown.
func ParseCode(name string) Code {
	for i, n := range codeNames {
		if n == name {
			return Code(i)
		}
	}

	return Unknown
}

// MarshalText encodes the code by name.
func (c Code) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Code) UnmarshalText(text []byte) error {
	*c = ParseCode(string(text))

	return nil
}

// IsPermanentError reports whether retrying an operation that failed with c
// cannot succeed. OK is not an error and panics.
func IsPermanentError(c Code) bool {
	switch c {
	case OK:
		panic("status: OK is not an error code")
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied, FailedPrecondition,
		Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return false
	}
}

// IsPermanentWriteError is IsPermanentError minus Aborted, which the server
// returns for writes that lost a contention race and can be retried.
func IsPermanentWriteError(c Code) bool {
	return IsPermanentError(c) && c != Aborted
}

// Category maps a code onto the error categories used by retry logic.
func Category(c Code) backoff.ErrorCategory {
	if c == OK {
		return backoff.CategoryIgnored
	}

	if IsPermanentError(c) {
		return backoff.CategoryPermanent
	}

	return backoff.CategoryTransient
}

// FromHTTPStatus maps an HTTP status onto the closest canonical code.
func FromHTTPStatus(status int) Code {
	switch status {
	case http.StatusOK:
		return OK
	case http.StatusBadRequest:
		return FailedPrecondition
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return Aborted
	case http.StatusRequestedRangeNotSatisfiable:
		return OutOfRange
	case http.StatusTooManyRequests:
		return ResourceExhausted
	case 499:
		return Cancelled
	case http.StatusInternalServerError:
		return Unknown
	case http.StatusNotImplemented:
		return Unimplemented
	case http.StatusServiceUnavailable:
		return Unavailable
	case http.StatusGatewayTimeout:
		return DeadlineExceeded
	}

	switch {
	case status >= 200 && status < 300:
		return OK
	case status >= 400 && status < 500:
		return FailedPrecondition
	case status >= 500 && status < 600:
		return Internal
	default:
		return Unknown
	}
}

// HTTPStatus is the HTTP status a server answers with for c.
func HTTPStatus(c Code) int {
	switch c {
	case OK:
		return http.StatusOK
	case Cancelled:
		return 499
	case InvalidArgument, FailedPrecondition, OutOfRange:
		return http.StatusBadRequest
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Aborted:
		return http.StatusConflict
	case PermissionDenied:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case Unimplemented:
		return http.StatusNotImplemented
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a protocol error with a canonical code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}

	return e.Code.String() + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err,
// status.New(status.Unavailable, "")) checks a code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// New returns an *Error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, OK for nil and
// Unknown for any other error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}

	return Unknown
}

// Categorize wraps err in the backoff category matching its code.
func Categorize(err error) error {
	if err == nil {
		return nil
	}

	switch Category(CodeOf(err)) {
	case backoff.CategoryPermanent:
		return backoff.NewPermanentError(err)
	case backoff.CategoryIgnored:
		return backoff.NewIgnoredError(err)
	default:
		return backoff.NewTransientError(err)
	}
}
