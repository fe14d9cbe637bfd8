package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce sync.Once
	buildErr  error
	cliPath   string
)

func repoRoot(t *testing.T) string {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Dir(filepath.Dir(cwd))
}

func buildCLI(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		tmpDir, err := os.MkdirTemp("", "isolate-cli-")
		if err != nil {
			buildErr = err
			return
		}
		cliPath = filepath.Join(tmpDir, "isolate")

		cmd := exec.Command("go", "build", "-o", cliPath, "./cmd/isolate")
		cmd.Dir = repoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build failed: %v: %s", err, strings.TrimSpace(string(out)))
			return
		}
	})
	if buildErr != nil {
		t.Fatalf("build: %v", buildErr)
	}
	return cliPath
}

func requireHost(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires linux")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("missing /bin/sh")
	}
	// The local backend binds to the host interpreter even for shell scripts.
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("missing python3")
	}
}

func runCLI(t *testing.T, script, body string, args ...string) (int, string, string) {
	t.Helper()
	bin := buildCLI(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, script), []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	full := append([]string{"run", "--cache-dir", filepath.Join(dir, "cache"), script}, args...)
	cmd := exec.Command(bin, full...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			t.Fatalf("exec error: %v", err)
		}
	}
	return cmd.ProcessState.ExitCode(), stdout.String(), stderr.String()
}

func TestParseRunArgs(t *testing.T) {
	opts, err := parseRunArgs([]string{"-r", "pyjokes", "--requirement=six", "--option", "python_version=3.11", "--timeout", "2s", "-v", "job.py", "--not-a-flag", "1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(opts.requirements, []string{"pyjokes", "six"}) {
		t.Fatalf("requirements %v", opts.requirements)
	}
	if opts.options["python_version"] != "3.11" || opts.timeout != 2*time.Second || !opts.verbose {
		t.Fatalf("opts %+v", opts)
	}
	if opts.script != "job.py" || !reflect.DeepEqual(opts.args, []string{"--not-a-flag", "1"}) {
		t.Fatalf("script %q args %v", opts.script, opts.args)
	}
	if opts.backendKind() != "virtualenv" {
		t.Fatalf("backend %q", opts.backendKind())
	}

	opts, err = parseRunArgs([]string{"--", "-odd-name.sh"})
	if err != nil || opts.script != "-odd-name.sh" {
		t.Fatalf("separator: %+v %v", opts, err)
	}
	if opts.backendKind() != "local" {
		t.Fatalf("backend %q", opts.backendKind())
	}

	for _, bad := range [][]string{
		{"--bogus", "x", "job.py"},
		{"--timeout", "soon", "job.py"},
		{"--option", "novalue", "job.py"},
		{"--backend"},
	} {
		if _, err := parseRunArgs(bad); err == nil {
			t.Fatalf("parse %v: expected error", bad)
		}
	}
}

func TestParseServerArgs(t *testing.T) {
	t.Setenv("ISOLATE_REMOTE_ADDRESS", "")
	if _, err := parseServerArgs(nil); err == nil {
		t.Fatal("missing --server accepted")
	}
	opts, err := parseServerArgs([]string{"--server=host:50001", "--backend", "conda", "--handle", "h1", "--limit=5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.server != "host:50001" || opts.kind != "conda" || opts.handle != "h1" || opts.limit != 5 {
		t.Fatalf("opts %+v", opts)
	}
	if _, err := parseServerArgs([]string{"--server", "host:50001", "--limit", "-1"}); err == nil {
		t.Fatal("negative --limit accepted")
	}
}

func TestCLIRunShell(t *testing.T) {
	requireHost(t)
	code, stdout, _ := runCLI(t, "add.sh", `echo "hello $1"; printf '{"sum":%d}' $(($2 + $3)) >&3`, "world", "2", "3")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if stdout != "hello world\n{\"sum\":5}\n" {
		t.Fatalf("stdout %q", stdout)
	}
}

func TestCLIRunPython(t *testing.T) {
	requireHost(t)
	script := "def main(a, b):\n    print('adding')\n    return {'sum': a + b}\n"
	code, stdout, _ := runCLI(t, "add.py", script, "2", "3")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.HasPrefix(stdout, "adding\n") || !strings.Contains(stdout, `"sum"`) || !strings.Contains(stdout, "5") {
		t.Fatalf("stdout %q", stdout)
	}
}

func TestCLIRunFailure(t *testing.T) {
	requireHost(t)
	code, _, stderr := runCLI(t, "fail.sh", "echo broken >&2; exit 3")
	if code != 3 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(stderr, "broken") || !strings.Contains(stderr, "exit status 3") {
		t.Fatalf("stderr %q", stderr)
	}
}

func TestCLIRunTimeout(t *testing.T) {
	requireHost(t)
	bin := buildCLI(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "slow.sh"), []byte("sleep 30"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(bin, "run", "--cache-dir", filepath.Join(dir, "cache"), "--timeout", "200ms", "slow.sh")
	cmd.Dir = dir
	start := time.Now()
	_ = cmd.Run()
	if code := cmd.ProcessState.ExitCode(); code != 124 {
		t.Fatalf("exit code %d", code)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
}

func TestCLIRejectsRequirementsOnLocal(t *testing.T) {
	requireHost(t)
	code, _, stderr := runCLI(t, "noop.sh", "true")
	if code != 0 {
		t.Fatalf("noop exit code %d: %s", code, stderr)
	}

	bin := buildCLI(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "noop.sh"), []byte("true"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(bin, "run", "--cache-dir", filepath.Join(dir, "cache"), "--backend", "local", "-r", "pyjokes", "noop.sh")
	cmd.Dir = dir
	out, _ := cmd.CombinedOutput()
	if cmd.ProcessState.ExitCode() != 1 || !strings.Contains(string(out), "requirements") {
		t.Fatalf("exit %d output %q", cmd.ProcessState.ExitCode(), out)
	}
}
