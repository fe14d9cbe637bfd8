package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

const Name = "local"

type Options struct {
	// Python is the host interpreter. Defaults to python3 on PATH.
	Python string
}

// Builder binds executions to the host interpreter. It installs nothing: a definition
// with requirements is rejected.
type Builder struct {
	opts Options
}

func NewBuilder(opts Options) *Builder {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	return &Builder{opts: opts}
}

// New returns the managed local backend.
func New(opts Options, mgr lifecycle.Options, bridge *execution.Bridge) *backend.Managed {
	return backend.NewManaged(lifecycle.NewManager(NewBuilder(opts), mgr), bridge)
}

func (b *Builder) Name() string { return Name }

func (b *Builder) Key(def environment.Definition) (environment.Key, error) {
	if len(def.Requirements) > 0 {
		return "", &environment.DefinitionError{Field: "requirements", Reason: "the local backend runs the host interpreter and cannot install packages"}
	}
	if err := def.OnlyOptions(); err != nil {
		return "", err
	}
	python, err := b.interpreter()
	if err != nil {
		return "", &environment.DefinitionError{Field: "python", Reason: err.Error()}
	}
	return environment.KeyOf(Name, def, python), nil
}

func (b *Builder) Build(ctx context.Context, req lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	python, err := b.interpreter()
	if err != nil {
		return lifecycle.BuildResult{}, err
	}
	var prefix string
	err = backend.RunTool(ctx, backend.Tool{
		Path: python,
		Args: []string{"-c", "import sys; print(sys.exec_prefix)"},
	}, func(line string) {
		if !strings.HasPrefix(line, "$ ") {
			prefix = strings.TrimSpace(line)
		}
		req.Log(line)
	})
	if err != nil {
		return lifecycle.BuildResult{}, err
	}
	if prefix == "" {
		return lifecycle.BuildResult{}, fmt.Errorf("%s did not report its prefix", python)
	}
	return lifecycle.BuildResult{
		Locator: prefix,
		Meta:    map[string]string{execution.MetaPython: python},
	}, nil
}

// Teardown leaves the host interpreter alone; only the handle is retired.
func (b *Builder) Teardown(ctx context.Context, h environment.Handle) error {
	_ = ctx
	_ = h
	return nil
}

func (b *Builder) interpreter() (string, error) {
	path, err := exec.LookPath(b.opts.Python)
	if err != nil {
		return "", fmt.Errorf("find host interpreter: %w", err)
	}
	return filepath.Abs(path)
}

// SitePackages lists the site-packages directories of the host interpreter, the paths
// made importable when inheriting from local.
func SitePackages(ctx context.Context, python string) ([]string, error) {
	if python == "" {
		python = "python3"
	}
	var lines []string
	err := backend.RunTool(ctx, backend.Tool{
		Path: python,
		Args: []string{"-c", "import json, site; print(json.dumps(site.getsitepackages() + [site.getusersitepackages()]))"},
	}, func(line string) {
		if !strings.HasPrefix(line, "$ ") {
			lines = append(lines, line)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s reported no site-packages", python)
	}
	var paths []string
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &paths); err != nil {
		return nil, fmt.Errorf("decode site-packages: %w", err)
	}
	return paths, nil
}

var _ lifecycle.Builder = (*Builder)(nil)
