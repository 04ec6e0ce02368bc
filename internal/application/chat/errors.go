package chat

import (
	"fmt"
)

// ProviderError is a failed request to, or stream from, the chat provider.
// It ends the turn.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ToolInvocationError is a single tool call that could not produce a result.
// It is folded into the call's result payload and never ends the round.
type ToolInvocationError struct {
	CallID string
	Name   string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Name, e.Err)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// SerializationError reports tool arguments that are not valid JSON.
type SerializationError struct {
	Name      string
	Arguments string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Name, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// PersistenceError is a store write that failed during a turn. It is logged
// and counted; the event stream stays authoritative.
type PersistenceError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s message %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
