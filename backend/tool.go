package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const toolOutputLimit = 64 << 10

// Tool is one external build step: venv, pip, conda.
type Tool struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (t Tool) String() string {
	return strings.Join(append([]string{filepath.Base(t.Path)}, t.Args...), " ")
}

// ToolError reports a failed build step with the tail of its combined output.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Diagnostics returns the captured output, surfaced on BuildError.
func (e *ToolError) Diagnostics() string { return e.Output }

// RunTool runs t to completion, forwarding every output line to log. A non-zero exit or
// start failure becomes a *ToolError carrying the captured output.
func RunTool(ctx context.Context, t Tool, log func(string)) error {
	if log == nil {
		log = func(string) {}
	}
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	cmd.Env = t.Env
	cmd.Dir = t.Dir
	cmd.WaitDelay = 5 * time.Second
	out := &toolOutput{log: log}
	cmd.Stdout = out
	cmd.Stderr = out

	log("$ " + t.String())
	err := cmd.Run()
	out.flush()
	if err == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			code = 128 + int(status.Signal())
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return &ToolError{Tool: filepath.Base(t.Path), ExitCode: code, Output: out.String(), Err: err}
}

type toolOutput struct {
	log     func(string)
	partial []byte
	tail    []byte
}

func (o *toolOutput) Write(p []byte) (int, error) {
	o.tail = append(o.tail, p...)
	if over := len(o.tail) - toolOutputLimit; over > 0 {
		o.tail = append([]byte(nil), o.tail[over:]...)
	}
	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.log(strings.TrimRight(string(o.partial[:i]), "\r"))
		o.partial = o.partial[i+1:]
	}
	if len(o.partial) > toolOutputLimit {
		o.log(string(o.partial))
		o.partial = nil
	}
	return len(p), nil
}

func (o *toolOutput) flush() {
	if len(o.partial) > 0 {
		o.log(string(o.partial))
		o.partial = nil
	}
}

func (o *toolOutput) String() string { return string(o.tail) }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
