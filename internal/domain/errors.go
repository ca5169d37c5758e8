package domain

import "errors"

// ErrorKind is the semantic category of a failure returned to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindMeetingNotFound
	KindParticipantNotFound
	KindRejoinDenied
	KindForbidden
	KindConflict
	KindInvalidField
	KindBackendTimeout
	KindUnavailable // another instance owns the meeting
	KindRateLimited
)

var kindNames = map[ErrorKind]string{
	KindInternal:            "internal",
	KindMeetingNotFound:     "meeting_not_found",
	KindParticipantNotFound: "participant_not_found",
	KindRejoinDenied:        "rejoin_denied",
	KindForbidden:           "forbidden",
	KindConflict:            "conflict",
	KindInvalidField:        "invalid_field",
	KindBackendTimeout:      "backend_timeout",
	KindUnavailable:         "unavailable",
	KindRateLimited:         "rate_limited",
}

// Code is the stable wire name of the kind.
func (k ErrorKind) Code() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindInternal]
}

// Error carries a kind so boundaries can map it without string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrForbidden)
// holds regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMeetingNotFound     = &Error{Kind: KindMeetingNotFound, Message: "meeting not found"}
	ErrParticipantNotFound = &Error{Kind: KindParticipantNotFound, Message: "participant not found"}
	ErrRejoinDenied        = &Error{Kind: KindRejoinDenied, Message: "rejoin denied"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "already in progress"}
	ErrInvalidField        = &Error{Kind: KindInvalidField, Message: "invalid field"}
	ErrBackendTimeout      = &Error{Kind: KindBackendTimeout, Message: "backend confirmation timed out"}
	ErrUnavailable         = &Error{Kind: KindUnavailable, Message: "meeting unavailable on this instance"}
)

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind ErrorKind, message string, err ...error) *Error {
	return &Error{Kind: kind, Message: message, Err: errors.Join(err...)}
}

func NewForbidden(message string, err ...error) *Error {
	return newError(KindForbidden, message, err...)
}

func NewConflict(message string, err ...error) *Error {
	return newError(KindConflict, message, err...)
}

func NewInvalidField(message string, err ...error) *Error {
	return newError(KindInvalidField, message, err...)
}

func NewRejoinDenied(message string, err ...error) *Error {
	return newError(KindRejoinDenied, message, err...)
}

func NewBackendTimeout(message string, err ...error) *Error {
	return newError(KindBackendTimeout, message, err...)
}

func NewUnavailable(message string, err ...error) *Error {
	return newError(KindUnavailable, message, err...)
}

func NewInternal(message string, err ...error) *Error {
	return newError(KindInternal, message, err...)
}

func NewRateLimited(message string, err ...error) *Error {
	return newError(KindRateLimited, message, err...)
}
