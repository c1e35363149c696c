// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides a wrapped, inspectable error type used across the
// gateway core instead of bare fmt.Errorf chains.
package errors

import "fmt"

// Error specifies an API that must be fulfilled by error types in this
// module.
type Error interface {
	// Error implements the standard error interface.
	Error() string

	// Msg returns this error's own message, without any wrapped cause.
	Msg() string

	// Err returns the wrapped cause, or nil if there is none.
	Err() Error
}

var _ Error = (*customError)(nil)

type customError struct {
	msg string
	err Error
}

func (ce *customError) Error() string {
	if ce == nil {
		return ""
	}
	if ce.err != nil {
		return fmt.Sprintf("%s: %s", ce.msg, ce.err.Error())
	}
	return ce.msg
}

func (ce *customError) Msg() string {
	return ce.msg
}

func (ce *customError) Err() Error {
	return ce.err
}

// New returns an Error that formats as the given text.
func New(text string) Error {
	return &customError{msg: text}
}

// Wrap returns an Error that records err as the cause of wrapper. Either
// argument being nil short-circuits to nil.
func Wrap(wrapper Error, err error) Error {
	if wrapper == nil || err == nil {
		return nil
	}
	return &customError{
		msg: wrapper.Msg(),
		err: cast(err),
	}
}

func cast(err error) Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(Error); ok {
		return e
	}
	return &customError{msg: err.Error()}
}

// Contains reports whether ce, or any error it wraps, has the same message
// as e.
func Contains(ce Error, e error) bool {
	if ce == nil || e == nil {
		return ce == nil
	}
	if ce.Msg() == e.Error() {
		return true
	}
	if ce.Err() == nil {
		return false
	}
	return Contains(ce.Err(), e)
}
