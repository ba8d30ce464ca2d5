// Package ivmerr defines the domain error taxonomy shared by every IVM
// component.
//
// Errors are values of *Error carrying a Code so callers can branch on the
// kind of failure with errors.As (or the IsXxx helpers) instead of matching
// strings. Required operations return these errors to the caller; best-effort
// paths log them and degrade one unit of work.
package ivmerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes domain errors.
type Code string

const (
	// CodeValidation indicates a malformed contract or input. Never defaulted.
	CodeValidation Code = "VALIDATION"

	// CodeJoin indicates a required join target is missing or unresolvable.
	CodeJoin Code = "JOIN"

	// CodeUnmappedChangePath indicates diff paths with no impact-map entry.
	CodeUnmappedChangePath Code = "UNMAPPED_CHANGE_PATH"

	// CodeInvariant indicates an unexpected internal failure.
	CodeInvariant Code = "INVARIANT_VIOLATION"

	// CodeStorage indicates a collaborator store failure.
	CodeStorage Code = "STORAGE"

	// CodeIdempotency indicates a duplicate idempotency key.
	CodeIdempotency Code = "IDEMPOTENCY_VIOLATION"

	// CodeNotFound indicates a requested record does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a domain-typed error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Op names the operation that failed, e.g. "slice" or "claim".
	Op string

	// Paths carries the full set of offending paths for unmapped change
	// path errors, sorted.
	Paths []string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Paths) > 0 {
		fmt.Fprintf(&b, " %v", e.Paths)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return Is(err, CodeValidation) }

// IsJoin reports whether err is a join error.
func IsJoin(err error) bool { return Is(err, CodeJoin) }

// IsUnmappedChangePath reports whether err is an unmapped change path error.
func IsUnmappedChangePath(err error) bool { return Is(err, CodeUnmappedChangePath) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return Is(err, CodeInvariant) }

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool { return Is(err, CodeStorage) }

// IsIdempotency reports whether err is an idempotency violation.
func IsIdempotency(err error) bool { return Is(err, CodeIdempotency) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Join creates a join error for the named join.
func Join(joinName, format string, args ...any) *Error {
	return &Error{
		Code:    CodeJoin,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]string{"join": joinName},
	}
}

// UnmappedChangePath creates an unmapped change path error carrying every
// unmapped path, sorted and deduplicated.
func UnmappedChangePath(paths []string) *Error {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return &Error{
		Code:    CodeUnmappedChangePath,
		Message: fmt.Sprintf("%d changed path(s) have no impact map entry", len(out)),
		Paths:   out,
	}
}

// Invariant creates an invariant violation wrapping cause.
func Invariant(op string, cause error, format string, args ...any) *Error {
	return &Error{Code: CodeInvariant, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Storage wraps a collaborator store failure.
func Storage(op string, cause error) *Error {
	return &Error{Code: CodeStorage, Op: op, Message: "store failure", Err: cause}
}

// Idempotency creates an idempotency violation for key.
func Idempotency(key string) *Error {
	return &Error{
		Code:    CodeIdempotency,
		Message: "duplicate idempotency key",
		Details: map[string]string{"idempotency_key": key},
	}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}
