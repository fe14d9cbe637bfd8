package virtualenv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

const Name = "virtualenv"

// Definition options understood by this backend.
const (
	OptPythonVersion   = "python_version"
	OptConstraintsFile = "constraints_file"
	OptIndexURL        = "index_url"
)

type Options struct {
	CacheDir string
	// Python is the base interpreter used when no python_version is requested.
	Python string
	Logger *zap.Logger
}

// Builder creates virtual environments with the venv module and installs requirements
// with pip.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

func NewBuilder(opts Options) *Builder {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Builder{opts: opts, logger: opts.Logger.Named(Name)}
}

func New(opts Options, mgr lifecycle.Options, bridge *execution.Bridge) *backend.Managed {
	return backend.NewManaged(lifecycle.NewManager(NewBuilder(opts), mgr), bridge)
}

func (b *Builder) Name() string { return Name }

// Key mixes in the constraints file content so editing it yields a new environment.
func (b *Builder) Key(def environment.Definition) (environment.Key, error) {
	if err := def.OnlyOptions(OptPythonVersion, OptConstraintsFile, OptIndexURL); err != nil {
		return "", err
	}
	var salt []string
	if path := def.Option(OptConstraintsFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", &environment.DefinitionError{Field: OptConstraintsFile, Reason: err.Error()}
		}
		sum := sha256.Sum256(data)
		salt = append(salt, hex.EncodeToString(sum[:]))
	}
	return environment.KeyOf(Name, def, salt...), nil
}

func (b *Builder) Exists(ctx context.Context, key environment.Key) (lifecycle.BuildResult, bool) {
	_ = ctx
	dir := backend.EnvDir(b.opts.CacheDir, Name, key)
	if !backend.IsReady(dir, key) {
		return lifecycle.BuildResult{}, false
	}
	return result(dir), true
}

func (b *Builder) Build(ctx context.Context, req lifecycle.BuildRequest) (res lifecycle.BuildResult, err error) {
	dir := backend.EnvDir(b.opts.CacheDir, Name, req.Key)
	if err := backend.RemoveEnv(b.opts.CacheDir, dir); err != nil {
		return res, err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return res, fmt.Errorf("create cache dir: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := backend.RemoveEnv(b.opts.CacheDir, dir); rmErr != nil {
				b.logger.Warn("remove partial environment", zap.String("dir", dir), zap.Error(rmErr))
			}
		}
	}()

	python, err := b.baseInterpreter(req.Definition)
	if err != nil {
		return res, err
	}
	req.Log(fmt.Sprintf("creating virtual environment at %s", dir))
	if err := backend.RunTool(ctx, backend.Tool{Path: python, Args: []string{"-m", "venv", dir}}, req.Log); err != nil {
		return res, err
	}
	if len(req.Definition.Requirements) > 0 {
		args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
		if path := req.Definition.Option(OptConstraintsFile); path != "" {
			args = append(args, "--constraint", path)
		}
		if url := req.Definition.Option(OptIndexURL); url != "" {
			args = append(args, "--index-url", url)
		}
		args = append(args, "--")
		args = append(args, req.Definition.Requirements...)
		envPython := filepath.Join(dir, "bin", "python")
		if err := backend.RunTool(ctx, backend.Tool{Path: envPython, Args: args}, req.Log); err != nil {
			return res, err
		}
	}
	if err := backend.MarkReady(dir, Name, req.Key, req.Definition); err != nil {
		return res, err
	}
	return result(dir), nil
}

func (b *Builder) Teardown(ctx context.Context, h environment.Handle) error {
	_ = ctx
	return backend.RemoveEnv(b.opts.CacheDir, h.Locator)
}

func (b *Builder) baseInterpreter(def environment.Definition) (string, error) {
	name := b.opts.Python
	if v := def.Option(OptPythonVersion); v != "" {
		name = "python" + v
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", name, err)
	}
	return path, nil
}

func result(dir string) lifecycle.BuildResult {
	return lifecycle.BuildResult{
		Locator: dir,
		Meta: map[string]string{
			execution.MetaPython:    filepath.Join(dir, "bin", "python"),
			execution.MetaPrefixVar: "VIRTUAL_ENV",
		},
	}
}

var _ lifecycle.Builder = (*Builder)(nil)
var _ lifecycle.Adopter = (*Builder)(nil)
