package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrorCode is the closed set of filesystem failure codes that cross the
// wire. Internal errors must map onto one of these before serialization.
type ErrorCode string

const (
	CodeNotFound           ErrorCode = "not_found"
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodePathTraversal      ErrorCode = "path_traversal"
	CodeNotADirectory      ErrorCode = "not_a_directory"
	CodeNotAFile           ErrorCode = "not_a_file"
	CodeAlreadyExists      ErrorCode = "already_exists"
	CodeNotEmpty           ErrorCode = "not_empty"
	CodeFileTooLarge       ErrorCode = "file_too_large"
	CodeIOError            ErrorCode = "io_error"
	CodeInvalidEncoding    ErrorCode = "invalid_encoding"
	CodeOperationCancelled ErrorCode = "operation_cancelled"
	CodeRateLimited        ErrorCode = "rate_limited"
)

// FSError is a typed filesystem failure. It wraps an optional cause and
// serializes onto the wire as an OperationError.
type FSError struct {
	Code ErrorCode
	Path string
	Msg  string
	Err  error
}

func (e *FSError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *FSError) Unwrap() error { return e.Err }

// NewFSError builds an FSError with a formatted message.
func NewFSError(code ErrorCode, path, format string, args ...any) *FSError {
	return &FSError{Code: code, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// WrapFSError maps an OS-level error onto the wire taxonomy, preserving the
// cause for local logging.
func WrapFSError(path string, err error) *FSError {
	code := CodeIOError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = CodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = CodePermissionDenied
	case errors.Is(err, fs.ErrExist):
		code = CodeAlreadyExists
	case isNotEmpty(err):
		code = CodeNotEmpty
	}
	return &FSError{Code: code, Path: path, Msg: err.Error(), Err: err}
}

// isNotEmpty detects ENOTEMPTY from os.Remove on a populated directory.
func isNotEmpty(err error) bool {
	var pe *os.PathError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Err != nil && (pe.Err.Error() == "directory not empty" || pe.Err.Error() == "file exists")
}

// AsFSError extracts an FSError from an error chain, falling back to an
// io_error wrapper so every failure serializes with a valid code.
func AsFSError(path string, err error) *FSError {
	var fe *FSError
	if errors.As(err, &fe) {
		return fe
	}
	return WrapFSError(path, err)
}
