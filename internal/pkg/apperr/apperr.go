package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on failure
// class without string matching.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransientExternal Kind = "transient_external"
	KindParse             Kind = "parse"
)

type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Code != "" {
			return e.Code + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(code, args...)}
}

func NotFound(code string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Err: fmt.Errorf(code, args...)}
}

func Conflict(code string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Err: fmt.Errorf(code, args...)}
}

func TransientExternal(code string, args ...interface{}) *Error {
	return &Error{Kind: KindTransientExternal, Err: fmt.Errorf(code, args...)}
}

func Parse(code string, args ...interface{}) *Error {
	return &Error{Kind: KindParse, Err: fmt.Errorf(code, args...)}
}

func isKind(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

func IsValidation(err error) bool        { return isKind(err, KindValidation) }
func IsNotFound(err error) bool          { return isKind(err, KindNotFound) }
func IsConflict(err error) bool          { return isKind(err, KindConflict) }
func IsTransientExternal(err error) bool { return isKind(err, KindTransientExternal) }
func IsParse(err error) bool             { return isKind(err, KindParse) }
