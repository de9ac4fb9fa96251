// Package errs defines the error taxonomy shared by the streaming core.
// Errors carry a category, a severity and a code so that the streaming
// engine can decide between retrying, disabling a stream, and surfacing.
package errs

import (
	"errors"
	"fmt"
)

// Category groups codes by subsystem.
type Category int

const (
	CategoryNetwork Category = iota + 1
	CategoryMedia
	CategoryText
	CategoryStorage
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "NETWORK"
	case CategoryMedia:
		return "MEDIA"
	case CategoryText:
		return "TEXT"
	case CategoryStorage:
		return "STORAGE"
	default:
		return "UNKNOWN"
	}
}

// Severity decides whether an error may be retried.
type Severity int

const (
	// SeverityRecoverable errors are retried per policy before surfacing.
	SeverityRecoverable Severity = iota + 1
	// SeverityCritical errors surface immediately.
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityRecoverable {
		return "RECOVERABLE"
	}
	return "CRITICAL"
}

// Code identifies one failure kind.
type Code int

const (
	CodeBadHTTPStatus Code = iota + 1
	CodeHTTPError
	CodeTimeout
	CodeUnsupportedScheme
	CodeMalformedDataURI
	CodeUnknownDataURIEncoding
	CodeMediaSourceOperationFailed
	CodeQuotaExceeded
	CodeInvalidTextHeader
	CodeInvalidTextCue
	CodeInvalidMP4VTT
	CodeInvalidMP4TTML
	CodeOperationAborted
)

var codeNames = map[Code]string{
	CodeBadHTTPStatus:              "BAD_HTTP_STATUS",
	CodeHTTPError:                  "HTTP_ERROR",
	CodeTimeout:                    "TIMEOUT",
	CodeUnsupportedScheme:          "UNSUPPORTED_SCHEME",
	CodeMalformedDataURI:           "MALFORMED_DATA_URI",
	CodeUnknownDataURIEncoding:     "UNKNOWN_DATA_URI_ENCODING",
	CodeMediaSourceOperationFailed: "MEDIA_SOURCE_OPERATION_FAILED",
	CodeQuotaExceeded:              "QUOTA_EXCEEDED_ERROR",
	CodeInvalidTextHeader:          "INVALID_TEXT_HEADER",
	CodeInvalidTextCue:             "INVALID_TEXT_CUE",
	CodeInvalidMP4VTT:              "INVALID_MP4_VTT",
	CodeInvalidMP4TTML:             "INVALID_MP4_TTML",
	CodeOperationAborted:           "OPERATION_ABORTED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is a classified error. The zero Cause is allowed.
type Error struct {
	Category Category
	Severity Severity
	Code     Code
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s %s: %v", e.Category, e.Severity, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s/%s %s", e.Category, e.Severity, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches other *Error values by code, so callers can use errors.Is
// with a bare &Error{Code: ...} probe.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a classified error wrapping cause.
func New(category Category, severity Severity, code Code, cause error) *Error {
	return &Error{Category: category, Severity: severity, Code: code, Cause: cause}
}

// Newf creates a classified error with a formatted cause.
func Newf(category Category, severity Severity, code Code, format string, args ...any) *Error {
	return New(category, severity, code, fmt.Errorf(format, args...))
}

// CodeOf returns the code of err if it is (or wraps) an *Error, else 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsRecoverable reports whether err is a classified recoverable error.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityRecoverable
	}
	return false
}
