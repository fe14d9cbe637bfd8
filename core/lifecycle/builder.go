package lifecycle

import (
	"context"

	"isolate/core/environment"
)

// Builder performs the backend-specific part of the lifecycle: keying a definition,
// materializing it, and tearing it down. The Manager guarantees Build is never called
// concurrently for the same key.
type Builder interface {
	Name() string
	Key(def environment.Definition) (environment.Key, error)
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
	Teardown(ctx context.Context, h environment.Handle) error
}

// BuildRequest is passed to Builder.Build. Definition is already normalized.
type BuildRequest struct {
	Key        environment.Key
	Definition environment.Definition
	// Log receives build tool output line by line. Never nil.
	Log func(line string)
}

// BuildResult locates the materialized environment.
type BuildResult struct {
	Locator string
	Meta    map[string]string
}

// Diagnostic is implemented by errors that carry captured tool output.
type Diagnostic interface {
	Diagnostics() string
}

// Observer receives every status transition. Implementations must not call back into
// the Manager.
type Observer interface {
	Transition(h environment.Handle, from environment.Status, detail string)
}

type buildLogKey struct{}

// WithBuildLog attaches a sink that receives build output for builds the caller starts
// or joins through Acquire.
func WithBuildLog(ctx context.Context, fn func(line string)) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, buildLogKey{}, fn)
}

func buildLogFrom(ctx context.Context) func(string) {
	fn, _ := ctx.Value(buildLogKey{}).(func(string))
	return fn
}
