// Package errcode defines Converge's error kinds (§7) as a small
// descriptor-registration scheme, grounded on
// registry/api/errcode/register.go's `register(group, ErrorDescriptor{...})`
// idiom: every kind carries a machine-readable code and the HTTP status the
// (out-of-scope) transport layer should map it to.
package errcode

import (
	"fmt"
	"net/http"
)

// Descriptor documents one error kind.
type Descriptor struct {
	Code           string
	Message        string
	HTTPStatusCode int
}

var descriptors = map[string]Descriptor{}

func register(d Descriptor) Descriptor {
	descriptors[d.Code] = d
	return d
}

// The ten error kinds named by §7. Kinds are not Go error types by
// themselves — Error wraps a kind descriptor with a situational message.
var (
	BadRequest      = register(Descriptor{Code: "BAD_REQUEST", Message: "malformed request", HTTPStatusCode: http.StatusBadRequest})
	NotFound        = register(Descriptor{Code: "NOT_FOUND", Message: "entity not found", HTTPStatusCode: http.StatusNotFound})
	Forbidden       = register(Descriptor{Code: "FORBIDDEN", Message: "insufficient capability", HTTPStatusCode: http.StatusForbidden})
	Conflict        = register(Descriptor{Code: "CONFLICT", Message: "resource already exists", HTTPStatusCode: http.StatusConflict})
	PolicyViolation = register(Descriptor{Code: "POLICY_VIOLATION", Message: "blocked by gate policy", HTTPStatusCode: http.StatusUnprocessableEntity})
	HashMismatch    = register(Descriptor{Code: "HASH_MISMATCH", Message: "declared digest does not match content", HTTPStatusCode: http.StatusBadRequest})
	IntegrityError  = register(Descriptor{Code: "INTEGRITY_ERROR", Message: "stored content failed hash verification", HTTPStatusCode: http.StatusInternalServerError})
	ValidationFailed = register(Descriptor{Code: "VALIDATION_FAILED", Message: "gate graph validation failed", HTTPStatusCode: http.StatusUnprocessableEntity})
	SweepError      = register(Descriptor{Code: "SWEEP_ERROR", Message: "garbage collection could not delete a file", HTTPStatusCode: http.StatusInternalServerError})
	Internal        = register(Descriptor{Code: "INTERNAL", Message: "internal error", HTTPStatusCode: http.StatusInternalServerError})
)

// Error is a concrete error of a given kind, with a situational message
// and optional structured detail (e.g. gate graph validation issues).
type Error struct {
	Descriptor Descriptor
	Detail     string
	Issues     []any
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Descriptor.Message
	}
	return fmt.Sprintf("%s: %s", e.Descriptor.Message, e.Detail)
}

// HTTPStatus returns the status code the transport layer should use.
func (e *Error) HTTPStatus() int { return e.Descriptor.HTTPStatusCode }

// New builds an Error of the given kind with a formatted detail message.
func New(d Descriptor, format string, args ...any) *Error {
	return &Error{Descriptor: d, Detail: fmt.Sprintf(format, args...)}
}

// WithIssues attaches structured validation issues (§6 error envelope:
// `{error, issues?}`).
func (e *Error) WithIssues(issues []any) *Error {
	e.Issues = issues
	return e
}

// Is supports errors.Is matching against a Descriptor's Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Descriptor.Code == other.Descriptor.Code
}
