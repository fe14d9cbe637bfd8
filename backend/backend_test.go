package backend_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"isolate/backend"
	"isolate/backend/fake"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

func requireCommand(t *testing.T, path string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires linux")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("missing %s", path)
	}
}

func shell(source string) execution.Request {
	return execution.Request{Function: execution.Callable{Method: execution.MethodShell, Source: source}}
}

func TestManagedHandleSurvivesCancellation(t *testing.T) {
	requireCommand(t, "/bin/sh")
	b := fake.NewBackend(fake.New(t.TempDir()), lifecycle.Options{}, execution.NewBridge(execution.Options{GracePeriod: 300 * time.Millisecond}))
	defer b.Close()

	h, err := b.Acquire(context.Background(), environment.Definition{Requirements: []string{"pyjokes==0.6.0"}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := b.Execute(ctx, h.ID, shell(`echo started; sleep 30`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for c := range s.Logs() {
		if c.Message == "started" {
			cancel()
		}
	}
	if res := s.Result(); res.Outcome != execution.OutcomeCancelled {
		t.Fatalf("outcome %s, want cancelled", res.Outcome)
	}

	again, err := b.Lookup(h.ID)
	if err != nil || !again.Ready() {
		t.Fatalf("handle after cancel: %+v %v", again, err)
	}
	s, err = b.Execute(context.Background(), h.ID, shell(`echo 42 >&3`))
	if err != nil {
		t.Fatalf("Execute after cancel: %v", err)
	}
	_, res := execution.Collect(s)
	if res.Outcome != execution.OutcomeSuccess || string(res.Value) != "42" {
		t.Fatalf("reuse after cancel: %s %s", res.Outcome, res.Value)
	}
}

func TestManagedDestroyedHandleRejected(t *testing.T) {
	fb := fake.New(t.TempDir())
	b := fake.NewBackend(fb, lifecycle.Options{}, nil)
	defer b.Close()

	h, err := b.Acquire(context.Background(), environment.Definition{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := b.Destroy(context.Background(), h.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := b.Execute(context.Background(), h.ID, shell("true")); !errors.Is(err, environment.ErrHandleDestroyed) {
		t.Fatalf("Execute on destroyed handle: %v", err)
	}
	if _, err := b.Execute(context.Background(), "unknown", shell("true")); !errors.Is(err, environment.ErrEnvironmentNotFound) {
		t.Fatalf("Execute on unknown handle: %v", err)
	}
	list, err := b.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("List after destroy: %v %v", list, err)
	}
}

func TestRunToolCapturesOutput(t *testing.T) {
	requireCommand(t, "/bin/sh")
	var lines []string
	err := backend.RunTool(context.Background(), backend.Tool{
		Path: "/bin/sh",
		Args: []string{"-c", "echo Collecting numpy; echo 'ERROR: No matching distribution' >&2; exit 1"},
	}, func(line string) { lines = append(lines, line) })

	var toolErr *backend.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.ExitCode != 1 {
		t.Fatalf("exit code %d", toolErr.ExitCode)
	}
	if !strings.Contains(toolErr.Diagnostics(), "No matching distribution") {
		t.Fatalf("diagnostics %q", toolErr.Diagnostics())
	}
	if !strings.Contains(err.Error(), "No matching distribution") {
		t.Fatalf("error text %q", err.Error())
	}
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "$ sh") {
		t.Fatalf("log lines %q", lines)
	}
}

func TestRunToolSplitsUnterminatedOutput(t *testing.T) {
	requireCommand(t, "/bin/sh")
	var lines []string
	err := backend.RunTool(context.Background(), backend.Tool{
		Path: "/bin/sh",
		Args: []string{"-c", "head -c 300000 /dev/zero | tr '\\0' x"},
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("RunTool: %v", err)
	}
	total := 0
	for _, line := range lines[1:] {
		if len(line) > 128<<10 {
			t.Fatalf("buffered a %d byte line", len(line))
		}
		total += len(line)
	}
	if len(lines) < 3 || total != 300000 {
		t.Fatalf("%d lines carrying %d bytes", len(lines), total)
	}
}

func TestRunToolBuildErrorCarriesOutput(t *testing.T) {
	requireCommand(t, "/bin/sh")
	fb := fake.New(t.TempDir())
	fb.BuildErr = backend.RunTool(context.Background(), backend.Tool{Path: "/bin/sh", Args: []string{"-c", "echo resolver conflict; exit 2"}}, nil)
	b := fake.NewBackend(fb, lifecycle.Options{}, nil)
	defer b.Close()

	_, err := b.Acquire(context.Background(), environment.Definition{Requirements: []string{"a", "b"}})
	var buildErr *environment.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if !strings.Contains(buildErr.Output, "resolver conflict") {
		t.Fatalf("build output %q", buildErr.Output)
	}
}

func TestErrorList(t *testing.T) {
	err := backend.ErrorList{Errors: []string{"close conda: busy", "close virtualenv: busy"}}
	if err.Error() != "close conda: busy; close virtualenv: busy" {
		t.Fatalf("ErrorList = %q", err.Error())
	}
}
