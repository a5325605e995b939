package domain

import (
	"errors"
	"fmt"
)

// Kind is a stable error category surfaced to callers.
type Kind string

const (
	KindFetch         Kind = "fetch_error"
	KindUnknownStack  Kind = "unknown_stack"
	KindRemoteExec    Kind = "remote_exec_error"
	KindVerification  Kind = "verification_failed"
	KindAuthorization Kind = "authorization_error"
	KindNotFound      Kind = "not_found"
	KindConfiguration Kind = "configuration_error"
	KindInvalidInput  Kind = "invalid_request"
	KindInvalidState  Kind = "invalid_state"
	KindInternal      Kind = "internal_error"
)

// Sentinels usable with errors.Is; any *Error of the same kind matches.
var (
	ErrFetch         = &Error{Kind: KindFetch, Detail: "source could not be fetched"}
	ErrUnknownStack  = &Error{Kind: KindUnknownStack, Detail: "no recipe registered for stack"}
	ErrRemoteExec    = &Error{Kind: KindRemoteExec, Detail: "remote command failed"}
	ErrVerification  = &Error{Kind: KindVerification, Detail: "instance not observed running"}
	ErrAuthorization = &Error{Kind: KindAuthorization, Detail: "caller is not permitted"}
	ErrNotFound      = &Error{Kind: KindNotFound, Detail: "not found"}
	ErrConfiguration = &Error{Kind: KindConfiguration, Detail: "configuration incomplete"}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput, Detail: "invalid request"}
	ErrInvalidState  = &Error{Kind: KindInvalidState, Detail: "operation not allowed in current state"}
)

// Error is a categorised failure, optionally tagged with the pipeline stage.
type Error struct {
	Kind   Kind
	Stage  string
	Detail string
	Err    error
}

// E builds an *Error, wrapping err when non-nil.
func E(kind Kind, stage, detail string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StageOf returns the first pipeline stage recorded in the chain.
func StageOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Stage != "" {
			return e.Stage
		}
		err = e.Err
	}
	return ""
}

// Errorf is shorthand for an untagged *Error with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
