package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure mode
// without parsing message text.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTimeout    Kind = "timeout"
	KindExecution  Kind = "execution_failure"
)

// Error is the error type returned by all control-plane components. It carries
// the entity key the failure relates to and, for execution failures, the
// upstream diagnostic text unchanged.
type Error struct {
	Kind       Kind
	Entity     string // key of the entity involved, e.g. job id or endpoint name
	Message    string
	Diagnostic string // upstream diagnostic payload, execution failures only
	cause      error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Entity != "" {
		s = fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Entity)
	}
	if e.Diagnostic != "" {
		s += ": " + e.Diagnostic
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Validation reports a malformed spec or input. No state has changed.
func Validation(entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports that a referenced entity does not exist.
func NotFound(entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a concurrent mutation or referential-integrity violation.
func Conflict(entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports that a wait exceeded its deadline. The underlying operation
// may still complete later.
func Timeout(entity, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// Execution reports a runtime failure from the executor or a serving process.
// diagnostic is the upstream payload and is carried unchanged.
func Execution(entity, diagnostic, format string, args ...interface{}) *Error {
	return &Error{Kind: KindExecution, Entity: entity, Message: fmt.Sprintf(format, args...), Diagnostic: diagnostic}
}

// Wrap attaches a cause while keeping the kind and entity visible to callers.
func Wrap(err error, kind Kind, entity, message string) *Error {
	return &Error{Kind: kind, Entity: entity, Message: message, cause: err}
}

// GetKind returns the kind of err, or "" if err is not an errdefs error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return GetKind(err) == KindValidation }
func IsNotFound(err error) bool   { return GetKind(err) == KindNotFound }
func IsConflict(err error) bool   { return GetKind(err) == KindConflict }
func IsTimeout(err error) bool    { return GetKind(err) == KindTimeout }
func IsExecution(err error) bool  { return GetKind(err) == KindExecution }
