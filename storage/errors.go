// Package storage defines the backend contract every adapter implements,
// the normalized error taxonomy, and the dataset unit used by migration.
package storage

import (
	"errors"
	"fmt"
)

// Code is the normalized failure class, identical across backends.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNetwork          Code = "NETWORK_ERROR"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeInvalidData      Code = "INVALID_DATA"
	CodeOperationFailed  Code = "OPERATION_FAILED"
)

// Error carries the normalized code alongside the backend failure.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps a backend failure into the taxonomy.
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the normalized code; OPERATION_FAILED for errors that
// never went through an adapter boundary.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeOperationFailed
}

func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// ErrNotImplemented is returned by contract methods a backend does not
// support in its current phase. Loud on purpose: gaps surface at
// integration time, not as silent no-ops in production paths.
var ErrNotImplemented = errors.New("not implemented")

func NotImplemented(op string) error {
	return E(CodeOperationFailed, op, ErrNotImplemented)
}
