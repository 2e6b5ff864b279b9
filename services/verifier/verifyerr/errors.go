// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifyerr defines the typed error taxonomy of the verification engine.
//
// Every error raised by the session state machine carries a stable Code. Callers
// map codes to their own transport (see HTTPStatus) and never have to parse
// messages. Errors wrap their cause, so errors.Is/As keep working through the
// chain.
package verifyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error code string.
type Code string

const (
	// CodeValidation: malformed or missing fields, rejected before scoring.
	CodeValidation Code = "validation"

	// CodeForbidden: the caller does not own the agent or session.
	CodeForbidden Code = "forbidden"

	// CodeNotFound: unknown session or agent.
	CodeNotFound Code = "not_found"

	// CodeConflict: session already claimed or terminal (replay attempt).
	CodeConflict Code = "conflict"

	// CodeExpired: the session TTL elapsed before the answers arrived.
	CodeExpired Code = "expired"

	// CodeCrypto: the sealed secret could not be opened. The session is
	// recorded as failed (undeterminable), never passed.
	CodeCrypto Code = "crypto"

	// CodeAgentFlagged: the agent is blocked pending manual review.
	CodeAgentFlagged Code = "agent_flagged"

	// CodeInternal: storage or other infrastructure failure.
	CodeInternal Code = "internal"
)

// Error is the standard error type for the verification engine.
type Error struct {
	Code    Code
	Msg     string
	Cause   error
	Details map[string]string
}

// Error returns "code: message" or "code: message: cause".
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
//
// This lets callers write errors.Is(err, verifyerr.ErrConflict) without
// caring about the message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Msg == ""
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrValidation   = &Error{Code: CodeValidation}
	ErrForbidden    = &Error{Code: CodeForbidden}
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrConflict     = &Error{Code: CodeConflict}
	ErrExpired      = &Error{Code: CodeExpired}
	ErrCrypto       = &Error{Code: CodeCrypto}
	ErrAgentFlagged = &Error{Code: CodeAgentFlagged}
	ErrInternal     = &Error{Code: CodeInternal}
)

// New creates an Error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, msg string, err error) error {
	return &Error{Code: code, Msg: msg, Cause: err}
}

// WithDetails creates an Error carrying structured context.
// The details map is copied.
func WithDetails(code Code, msg string, details map[string]string) error {
	return &Error{Code: code, Msg: msg, Details: copyDetails(details)}
}

// GetCode extracts the code from err, or CodeInternal when err is not an *Error.
// A nil error yields the empty code.
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to the HTTP status used by the API layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden, CodeAgentFlagged:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func copyDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	cp := make(map[string]string, len(details))
	for k, v := range details {
		cp[k] = v
	}
	return cp
}
