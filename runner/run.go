package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

// Exit codes for outcomes that did not come from the callable itself.
const (
	ExitFailure   = 1
	ExitTimedOut  = 124
	ExitCancelled = 130
)

const releaseTimeout = 10 * time.Second

type RunOptions struct {
	Definition environment.Definition
	Request    execution.Request
	// Stdout and Stderr receive the callable's own output lines.
	Stdout io.Writer
	Stderr io.Writer
	// Log, when set, receives builder output and bridge chunks.
	Log func(execution.LogChunk)
	// Keep leaves the environment acquired after the run.
	Keep bool
}

type RunResult struct {
	Handle   environment.Handle
	Result   execution.Result
	ExitCode int
}

// Run acquires an environment for opts.Definition on b, executes opts.Request in it and
// streams output as it arrives. A callable that fails is reported in the result, not as
// an error; errors are reserved for runs that could not start and for streams that
// broke before a result arrived.
func Run(ctx context.Context, b backend.Backend, opts RunOptions) (RunResult, error) {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	acquireCtx := ctx
	if opts.Log != nil {
		acquireCtx = lifecycle.WithBuildLog(ctx, func(line string) {
			opts.Log(execution.LogChunk{Source: execution.SourceBuilder, Level: execution.LevelInfo, Message: line, Time: time.Now().UTC()})
		})
	}
	h, err := b.Acquire(acquireCtx, opts.Definition)
	if err != nil {
		return RunResult{ExitCode: ExitFailure}, err
	}
	out := RunResult{Handle: h}
	if !opts.Keep {
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			_ = b.Release(relCtx, h.ID)
		}()
	}

	stream, err := b.Execute(ctx, h.ID, opts.Request)
	if err != nil {
		out.ExitCode = ExitFailure
		return out, err
	}
	for chunk := range stream.Logs() {
		switch {
		case chunk.Source == execution.SourceUser && chunk.Level == execution.LevelStdout:
			fmt.Fprintln(opts.Stdout, chunk.Message)
		case chunk.Source == execution.SourceUser:
			fmt.Fprintln(opts.Stderr, chunk.Message)
		case opts.Log != nil:
			opts.Log(chunk)
		}
	}
	out.Result = stream.Result()
	if err := stream.Err(); err != nil {
		out.ExitCode = ExitFailure
		return out, err
	}
	out.ExitCode = ExitCode(out.Result)
	return out, nil
}

// ExitCode maps a result to a process exit status. Failures keep the callable's own
// status when it exited non-zero.
func ExitCode(res execution.Result) int {
	switch res.Outcome {
	case execution.OutcomeSuccess:
		return 0
	case execution.OutcomeTimedOut:
		return ExitTimedOut
	case execution.OutcomeCancelled:
		return ExitCancelled
	}
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	return ExitFailure
}

// Arg turns a command-line argument into a JSON value: valid JSON is passed through,
// anything else becomes a string.
func Arg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// Callable picks the method from the script name: .py files run as python modules
// calling entry, everything else runs under sh.
func Callable(path, source, entry string) execution.Callable {
	if strings.EqualFold(filepath.Ext(path), ".py") {
		if entry == "" {
			entry = "main"
		}
		return execution.Callable{Method: execution.MethodPython, Source: source, Entry: entry}
	}
	return execution.Callable{Method: execution.MethodShell, Source: source}
}
