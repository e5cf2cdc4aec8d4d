package commands

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField      = errors.New("missing required field")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// Kind distinguishes command and event descriptors in errors.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// LoadError reports a descriptor rejected at load time.
type LoadError struct {
	Kind Kind
	// Descriptor is the descriptor name when known.
	Descriptor string
	Reason     string
	Err        error
}

func (e *LoadError) Error() string {
	name := e.Descriptor
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("load %s %s: %s", e.Kind, name, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DispatchError wraps a handler failure or recovered panic.
type DispatchError struct {
	// Handler is the command or event name.
	Handler string
	// Phase is one of run, handle_event, event, reply, reaction or on_load.
	Phase string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Handler, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
