// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package status defines the error taxonomy shared by the
// write-path and device-cache core.
package status

import (
	"errors"
	"fmt"
)

// Code classifies an Error.
type Code int

const (
	// Internal is a catch-all for unexpected failures.
	Internal Code = iota
	// InvalidArgument indicates a malformed request, such
	// as a dimension or id-count mismatch.
	InvalidArgument
	// NotFound indicates a table was absent on flush/erase.
	NotFound
	// AlreadyExists indicates a duplicate partition.
	AlreadyExists
	// IoError wraps a failure surfaced by the Segment writer.
	IoError
	// ResourceExhausted indicates a capacity or memory limit
	// was hit and no forward progress could be made.
	ResourceExhausted
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXIST"
	case IoError:
		return "IO_ERROR"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}

// Error is an error associated with a Code.
type Error struct {
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an *Error with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error with the given code, wrapping err.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// Is reports whether err (or anything it wraps) carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
