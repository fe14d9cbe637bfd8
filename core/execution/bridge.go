package execution

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isolate/core/environment"
)

//go:embed harness.py
var harness string

const tracebackTail = 4096

// Precedence orders inherited local paths relative to the environment's own packages.
type Precedence string

const (
	PrecedenceEnvironment Precedence = "environment"
	PrecedenceLocal       Precedence = "local"
)

type Options struct {
	// GracePeriod is the time between SIGTERM and SIGKILL when an execution is stopped.
	GracePeriod time.Duration
	// MaxOutput bounds the stdout and stderr kept on the Result, per stream.
	MaxOutput int
	// MaxResult bounds what the agent may write to the result descriptor.
	MaxResult int
	// InheritPaths are local site-packages directories made importable in every
	// python execution.
	InheritPaths []string
	Precedence   Precedence
	Shell        string
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.MaxOutput <= 0 {
		o.MaxOutput = 1 << 20
	}
	if o.MaxResult <= 0 {
		o.MaxResult = 64 << 20
	}
	if o.Precedence == "" {
		o.Precedence = PrecedenceEnvironment
	}
	if o.Shell == "" {
		o.Shell = "/bin/sh"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Bridge runs callables inside materialized environments. Every execution gets a fresh
// OS process in its own process group; nothing runs in the caller's process.
type Bridge struct {
	opts   Options
	logger *zap.Logger
}

func NewBridge(opts Options) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{opts: opts, logger: opts.Logger.Named("bridge")}
}

type harnessRequest struct {
	Source       string                     `json:"source"`
	Entry        string                     `json:"entry"`
	Args         []json.RawMessage          `json:"args"`
	Kwargs       map[string]json.RawMessage `json:"kwargs"`
	Paths        []string                   `json:"paths,omitempty"`
	PrependPaths bool                       `json:"prepend_paths,omitempty"`
}

// Execute starts req against a ready handle. The returned stream yields log chunks as
// the agent produces them and exactly one Result. Cancelling ctx stops the agent and
// yields a cancelled result; req.Timeout yields timed_out.
func (b *Bridge) Execute(ctx context.Context, h environment.Handle, req Request) (*Stream, error) {
	if !h.Ready() {
		return nil, environment.NotReady(h.ID, h.Status)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd, err := b.command(h, req)
	if err != nil {
		return nil, err
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("result pipe: %w", err)
	}

	id := uuid.NewString()
	s := NewStream(id)
	stdout := newLineWriter(b.opts.MaxOutput, func(line string) { s.Emit(SourceUser, LevelStdout, line) })
	stderr := newLineWriter(b.opts.MaxOutput, func(line string) { s.Emit(SourceUser, LevelStderr, line) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{resultW}
	cmd.WaitDelay = b.opts.GracePeriod

	s.Emit(SourceBridge, LevelTrace, fmt.Sprintf("starting %s agent: %s", req.Function.Method, cmd.Path))
	started := time.Now()
	p, err := startProcess(cmd)
	resultW.Close()
	if err != nil {
		resultR.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	logger := b.logger.With(zap.String("execution", id), zap.String("handle", h.ID))
	logger.Debug("agent started", zap.Int("pid", p.pid()), zap.String("method", string(req.Function.Method)))

	go b.run(ctx, s, p, req, resultR, stdout, stderr, started, logger)
	return s, nil
}

func (b *Bridge) run(ctx context.Context, s *Stream, p *process, req Request, resultR *os.File, stdout, stderr *lineWriter, started time.Time, logger *zap.Logger) {
	resultc := make(chan []byte, 1)
	oversized := false
	go func() {
		data, _ := io.ReadAll(io.LimitReader(resultR, int64(b.opts.MaxResult)+1))
		if len(data) > b.opts.MaxResult {
			// Keep reading so the agent never blocks on a full pipe.
			oversized, data = true, nil
			_, _ = io.Copy(io.Discard, resultR)
		}
		resultc <- data
	}()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var outcome Outcome
	var reason string
	select {
	case <-p.done:
	case <-timeout:
		outcome, reason = OutcomeTimedOut, fmt.Sprintf("timed out after %s, agent stopped", req.Timeout)
	case <-ctx.Done():
		outcome, reason = OutcomeCancelled, "cancelled, agent stopped"
	}
	if outcome != "" {
		// Stop the agent before emitting: a consumer that gave up may no longer read.
		killed := p.terminate(b.opts.GracePeriod)
		s.Emit(SourceBridge, LevelWarning, reason)
		if killed {
			s.Emit(SourceBridge, LevelTrace, fmt.Sprintf("agent ignored SIGTERM for %s, killed", b.opts.GracePeriod))
		}
	}
	waitErr := p.wait()
	stdout.Flush()
	stderr.Flush()

	var data []byte
	select {
	case data = <-resultc:
	case <-time.After(b.opts.GracePeriod):
		resultR.Close()
		data = <-resultc
	}
	resultR.Close()

	res := Result{
		ExecutionID: s.ID(),
		Outcome:     outcome,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		ExitCode:    exitCode(waitErr, p.cmd.ProcessState),
		Duration:    time.Since(started),
	}
	switch {
	case outcome != "":
	case oversized:
		res.Outcome = OutcomeFailure
		res.Failure = &Failure{Type: "ResultTooLarge", Message: fmt.Sprintf("result exceeds %d bytes", b.opts.MaxResult)}
	default:
		interpret(&res, req.Function.Method, data, stderr)
	}
	s.Emit(SourceBridge, LevelTrace, fmt.Sprintf("agent exited with code %d: %s", res.ExitCode, res.Outcome))
	logger.Info("execution finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("took", res.Duration))
	s.Finish(res)
}

// interpret turns what a naturally exited agent left behind into an outcome.
func interpret(res *Result, method Method, data []byte, stderr *lineWriter) {
	if method == MethodShell {
		if res.ExitCode != 0 {
			res.Outcome = OutcomeFailure
			res.Failure = &Failure{
				Type:      "ExitStatus",
				Message:   fmt.Sprintf("exit status %d", res.ExitCode),
				Traceback: stderr.Tail(tracebackTail),
			}
			return
		}
		res.Outcome = OutcomeSuccess
		res.Value = shellValue(data)
		return
	}

	events, err := ReadEvents(bytes.NewReader(data))
	for i := len(events) - 1; i >= 0; i-- {
		switch ev := events[i]; ev.Type {
		case EventResult:
			res.Outcome = OutcomeSuccess
			res.Value = ev.Value
			if len(res.Value) == 0 {
				res.Value = json.RawMessage("null")
			}
			return
		case EventError:
			res.Outcome = OutcomeFailure
			res.Failure = ev.Error
			if res.Failure == nil {
				res.Failure = &Failure{Type: "Error"}
			}
			return
		}
	}
	res.Outcome = OutcomeFailure
	if err != nil {
		res.Failure = &Failure{Type: "ResultDecodeError", Message: err.Error(), Traceback: stderr.Tail(tracebackTail)}
		return
	}
	res.Failure = &Failure{
		Type:      "ProcessExited",
		Message:   fmt.Sprintf("agent exited with code %d before reporting a result", res.ExitCode),
		Traceback: stderr.Tail(tracebackTail),
	}
}

// shellValue is the JSON value a shell callable wrote to fd 3: the text itself when it
// parses as JSON, a JSON string otherwise, null when nothing was written.
func shellValue(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(strings.TrimRight(string(data), "\n"))
	return quoted
}

func (b *Bridge) command(h environment.Handle, req Request) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch req.Function.Method {
	case MethodPython:
		python := h.Meta[MetaPython]
		if python == "" {
			python = filepath.Join(h.Locator, "bin", "python")
		}
		input, err := json.Marshal(harnessRequest{
			Source:       req.Function.Source,
			Entry:        req.Function.Entry,
			Args:         nonNilArgs(req.Args),
			Kwargs:       nonNilKwargs(req.Kwargs),
			Paths:        b.opts.InheritPaths,
			PrependPaths: b.opts.Precedence == PrecedenceLocal,
		})
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		cmd = exec.Command(python, "-c", harness)
		cmd.Stdin = bytes.NewReader(input)
	case MethodShell:
		args := []string{"-c", req.Function.Source, "isolate"}
		for _, arg := range req.Args {
			args = append(args, shellArg(arg))
		}
		cmd = exec.Command(b.opts.Shell, args...)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Function.Method)
	}
	cmd.Env = b.environ(h, req)
	return cmd, nil
}

func (b *Bridge) environ(h environment.Handle, req Request) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	delete(env, "PYTHONHOME")
	if h.Locator != "" {
		bin := filepath.Join(h.Locator, "bin")
		if path := env["PATH"]; path != "" {
			env["PATH"] = bin + string(os.PathListSeparator) + path
		} else {
			env["PATH"] = bin
		}
		if v := h.Meta[MetaPrefixVar]; v != "" {
			env[v] = h.Locator
		}
	}
	env["PYTHONUNBUFFERED"] = "1"
	if len(b.opts.InheritPaths) > 0 {
		env["ISOLATE_LOCAL_SITE_PACKAGES"] = strings.Join(b.opts.InheritPaths, string(os.PathListSeparator))
	}
	for k, v := range req.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shellArg(arg json.RawMessage) string {
	var s string
	if err := json.Unmarshal(arg, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(arg))
}

func nonNilArgs(args []json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}

func nonNilKwargs(kwargs map[string]json.RawMessage) map[string]json.RawMessage {
	if kwargs == nil {
		return map[string]json.RawMessage{}
	}
	return kwargs
}
