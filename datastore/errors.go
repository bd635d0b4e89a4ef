/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package datastore implements the transactional configuration layer
// that drives the dataplane core: named objects with current and
// modified shadow states, commit, abort, rollback and dryrun semantics,
// reference tracking and JSON stats emission.
package datastore

import (
	"fmt"
)

// ErrorKind is the error vocabulary exposed at the configuration
// boundary
type ErrorKind int

const (
	OK ErrorKind = iota
	InvalidArgs
	OutOfRange
	TooLong
	TooShort
	NotFound
	AlreadyExists
	NotOperational
	InvalidObject
	NoMemory
	PosixAPIError
	InterpError
)

func (k ErrorKind) String() string {
	switch k {
	case OK:
		return `OK`
	case InvalidArgs:
		return `INVALID_ARGS`
	case OutOfRange:
		return `OUT_OF_RANGE`
	case TooLong:
		return `TOO_LONG`
	case TooShort:
		return `TOO_SHORT`
	case NotFound:
		return `NOT_FOUND`
	case AlreadyExists:
		return `ALREADY_EXISTS`
	case NotOperational:
		return `NOT_OPERATIONAL`
	case InvalidObject:
		return `INVALID_OBJECT`
	case NoMemory:
		return `NO_MEMORY`
	case PosixAPIError:
		return `POSIX_API_ERROR`
	case InterpError:
		return `DATASTORE_INTERP_ERROR`
	}
	return `UNKNOWN`
}

// Error carries an error kind and a human message; POSIX failures wrap
// the causing errno
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == `` {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(k ErrorKind, f string, args ...interface{}) *Error {
	return &Error{
		Kind: k,
		Msg:  fmt.Sprintf(f, args...),
	}
}

func posixErr(err error, f string, args ...interface{}) *Error {
	return &Error{
		Kind: PosixAPIError,
		Msg:  fmt.Sprintf(f, args...),
		Err:  err,
	}
}

// KindOf extracts the error kind; plain errors map to InterpError
func KindOf(err error) ErrorKind {
	if err == nil {
		return OK
	}
	if de, ok := err.(*Error); ok {
		return de.Kind
	}
	return InterpError
}
