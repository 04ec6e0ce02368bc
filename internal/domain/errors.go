package domain

import (
	"errors"
	"fmt"
)

// Class groups the sentinels by how a caller should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassInvalid
	ClassNotFound
	ClassConflict
	ClassMisconfigured
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrModelMissing     = errors.New("agent has no model configured")

	ErrInvalidRole  = errors.New("invalid message role")
	ErrInvalidID    = errors.New("invalid ID format")
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrNotRetryable is returned when a retry names a message that is not
	// the trailing assistant reply of its session.
	ErrNotRetryable = errors.New("message cannot be retried")
	ErrTurnRunning  = errors.New("a turn is already running for this message")
)

var classes = map[error]Class{
	ErrInvalidInput:     ClassInvalid,
	ErrInvalidRole:      ClassInvalid,
	ErrInvalidID:        ClassInvalid,
	ErrEmptyContent:     ClassInvalid,
	ErrSessionNotFound:  ClassNotFound,
	ErrAgentNotFound:    ClassNotFound,
	ErrProviderNotFound: ClassNotFound,
	ErrMessageNotFound:  ClassNotFound,
	ErrNotRetryable:     ClassConflict,
	ErrTurnRunning:      ClassConflict,
	ErrModelMissing:     ClassMisconfigured,
}

// ClassOf reports the class of the first sentinel found in err's chain.
// Errors carrying no sentinel are ClassInternal.
func ClassOf(err error) Class {
	for sentinel, class := range classes {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ClassInternal
}

// DomainError attaches a human readable detail to a sentinel.
type DomainError struct {
	Err     error
	Message string
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{Err: err, Message: message}
}

func Errorf(err error, format string, args ...any) *DomainError {
	return NewDomainError(err, fmt.Sprintf(format, args...))
}
