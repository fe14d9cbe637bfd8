package environment

import (
	"errors"
	"fmt"
)

var (
	ErrDefinition          = errors.New("invalid environment definition")
	ErrBuild               = errors.New("environment build failed")
	ErrUnknownBackend      = errors.New("unknown backend")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrHandleDestroyed     = errors.New("environment handle destroyed")
	ErrEnvironmentNotReady = errors.New("environment not ready")
	ErrProtocol            = errors.New("protocol error")
)

// DefinitionError reports a malformed definition.
type DefinitionError struct {
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrDefinition, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrDefinition, e.Field, e.Reason)
}

func (e *DefinitionError) Is(target error) bool { return target == ErrDefinition }

// BuildError reports a failed build and carries the tool's diagnostic output. The same
// value is handed to every waiter of the failed build.
type BuildError struct {
	Key     Key
	Backend string
	Output  string
	Err     error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%v: %s environment %s", ErrBuild, e.Backend, e.Key.Short())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// ProtocolError reports a serialization or transport failure on the remote path.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", ErrProtocol, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", ErrProtocol, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NotFound wraps ErrEnvironmentNotFound with the missing handle id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
}

// Destroyed wraps ErrHandleDestroyed with the retired handle id.
func Destroyed(id string) error {
	return fmt.Errorf("%w: %s", ErrHandleDestroyed, id)
}

// NotReady wraps ErrEnvironmentNotReady with the handle's current status.
func NotReady(id string, status Status) error {
	return fmt.Errorf("%w: %s is %s", ErrEnvironmentNotReady, id, status)
}
