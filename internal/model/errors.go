package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors. The string values are part of
// the HTTP and control-socket wire formats.
type ErrorKind string

const (
	KindCapacityExceeded       ErrorKind = "CAPACITY_EXCEEDED"
	KindDuplicate              ErrorKind = "DUPLICATE"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindInvalidTransition      ErrorKind = "INVALID_TRANSITION"
	KindSessionStartFailed     ErrorKind = "SESSION_START_FAILED"
	KindTokenAcquisitionFailed ErrorKind = "TOKEN_ACQUISITION_FAILED"
	KindDeliveryFailed         ErrorKind = "DELIVERY_FAILED"
	KindStateCorrupt           ErrorKind = "STATE_CORRUPT"
	KindValidation             ErrorKind = "VALIDATION"
	KindUnavailable            ErrorKind = "UNAVAILABLE"
	KindInternal               ErrorKind = "INTERNAL"
)

// Error is a typed orchestrator error. Two *Error values match under
// errors.Is when their kinds are equal, so the sentinels below can be used
// as comparison targets.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	ErrCapacityExceeded       = &Error{Kind: KindCapacityExceeded}
	ErrDuplicate              = &Error{Kind: KindDuplicate}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrSessionStartFailed     = &Error{Kind: KindSessionStartFailed}
	ErrTokenAcquisitionFailed = &Error{Kind: KindTokenAcquisitionFailed}
	ErrDeliveryFailed         = &Error{Kind: KindDeliveryFailed}
	ErrStateCorrupt           = &Error{Kind: KindStateCorrupt}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrUnavailable            = &Error{Kind: KindUnavailable}
)

// KindOf extracts the kind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
