package wire

import (
	"errors"
	"fmt"
	"strings"

	"isolate/core/environment"
	"isolate/core/execution"
)

// Error kinds carried in ErrorInfo.
const (
	KindDefinition     = "definition"
	KindBuild          = "build"
	KindUnknownBackend = "unknown_backend"
	KindNotFound       = "not_found"
	KindDestroyed      = "destroyed"
	KindNotReady       = "not_ready"
	KindInvalidRequest = "invalid_request"
	KindProtocol       = "protocol"
	KindInternal       = "internal"
)

// ErrorInfo is a domain error in transit. Transport and auth failures use gRPC status
// codes instead.
type ErrorInfo struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Field   string          `json:"field,omitempty"`
	Output  string          `json:"output,omitempty"`
	Key     environment.Key `json:"key,omitempty"`
	Backend string          `json:"backend,omitempty"`
}

// RemoteError is an error the server could not classify.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }

// ErrorFrom classifies err for the wire. It returns nil for a nil error.
func ErrorFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindInternal, Message: err.Error()}
	var defErr *environment.DefinitionError
	var buildErr *environment.BuildError
	var protoErr *environment.ProtocolError
	switch {
	case errors.As(err, &defErr):
		info.Kind, info.Field, info.Message = KindDefinition, defErr.Field, defErr.Reason
	case errors.As(err, &buildErr):
		info.Kind = KindBuild
		info.Output = buildErr.Output
		info.Key = buildErr.Key
		info.Backend = buildErr.Backend
		if buildErr.Err != nil {
			info.Message = buildErr.Err.Error()
		}
	case errors.Is(err, environment.ErrUnknownBackend):
		info.Kind = KindUnknownBackend
	case errors.Is(err, environment.ErrHandleDestroyed):
		info.Kind = KindDestroyed
	case errors.Is(err, environment.ErrEnvironmentNotFound):
		info.Kind = KindNotFound
	case errors.Is(err, environment.ErrEnvironmentNotReady):
		info.Kind = KindNotReady
	case errors.Is(err, execution.ErrInvalidRequest):
		info.Kind = KindInvalidRequest
	case errors.As(err, &protoErr):
		info.Kind, info.Field, info.Message = KindProtocol, protoErr.Op, ""
		if protoErr.Err != nil {
			info.Message = protoErr.Err.Error()
		}
	}
	return info
}

// Err rebuilds a Go error matching the same sentinels and types as the original.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case KindDefinition:
		return &environment.DefinitionError{Field: e.Field, Reason: e.Message}
	case KindBuild:
		return &environment.BuildError{Key: e.Key, Backend: e.Backend, Output: e.Output, Err: errors.New(e.Message)}
	case KindUnknownBackend:
		return wrap(environment.ErrUnknownBackend, e.Message)
	case KindNotFound:
		return wrap(environment.ErrEnvironmentNotFound, e.Message)
	case KindDestroyed:
		return wrap(environment.ErrHandleDestroyed, e.Message)
	case KindNotReady:
		return wrap(environment.ErrEnvironmentNotReady, e.Message)
	case KindInvalidRequest:
		return wrap(execution.ErrInvalidRequest, e.Message)
	case KindProtocol:
		perr := &environment.ProtocolError{Op: e.Field}
		if e.Message != "" {
			perr.Err = errors.New(e.Message)
		}
		return perr
	default:
		return &RemoteError{Message: e.Message}
	}
}

// wrap attaches sentinel to msg without repeating the sentinel text msg already starts with.
func wrap(sentinel error, msg string) error {
	rest := strings.TrimPrefix(msg, sentinel.Error())
	if rest == "" {
		return sentinel
	}
	if rest == msg {
		rest = ": " + msg
	}
	return fmt.Errorf("%w%s", sentinel, rest)
}
