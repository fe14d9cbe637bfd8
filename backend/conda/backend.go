package conda

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

const Name = "conda"

const (
	OptPythonVersion = "python_version"
	// OptChannels is a comma separated channel list, highest priority first.
	OptChannels = "channels"
)

var ErrNoConda = errors.New("conda executable not found; set CONDA_EXE or ISOLATE_CONDA_HOME")

type Options struct {
	CacheDir string
	// Executable is the conda (or mamba) command, CONDA_EXE in the environment.
	Executable string
	// Home is searched for Executable before PATH, ISOLATE_CONDA_HOME in the environment.
	Home   string
	Logger *zap.Logger
}

type Builder struct {
	opts   Options
	logger *zap.Logger
}

func NewBuilder(opts Options) *Builder {
	if opts.Executable == "" {
		opts.Executable = "conda"
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

func (b *Builder) Key(def environment.Definition) (environment.Key, error) {
	if err := def.OnlyOptions(OptPythonVersion, OptChannels); err != nil {
		return "", err
	}
	for _, ch := range channels(def) {
		if strings.HasPrefix(ch, "-") {
			return "", &environment.DefinitionError{Field: OptChannels, Reason: fmt.Sprintf("channel %q looks like a flag", ch)}
		}
	}
	return environment.KeyOf(Name, def), nil
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
	exe, err := b.Executable()
	if err != nil {
		return res, err
	}
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

	req.Log(fmt.Sprintf("creating conda environment at %s", dir))
	if err := backend.RunTool(ctx, backend.Tool{Path: exe, Args: CreateArgs(dir, req.Definition)}, req.Log); err != nil {
		return res, err
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

// Executable resolves the conda command, preferring Home over PATH.
func (b *Builder) Executable() (string, error) {
	if filepath.IsAbs(b.opts.Executable) {
		if _, err := os.Stat(b.opts.Executable); err == nil {
			return b.opts.Executable, nil
		}
		return "", ErrNoConda
	}
	if b.opts.Home != "" {
		for _, dir := range []string{b.opts.Home, filepath.Join(b.opts.Home, "bin"), filepath.Join(b.opts.Home, "condabin")} {
			candidate := filepath.Join(dir, b.opts.Executable)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
				return candidate, nil
			}
		}
	}
	if path, err := exec.LookPath(b.opts.Executable); err == nil {
		return path, nil
	}
	return "", ErrNoConda
}

// CreateArgs is the conda command line that materializes def at dir.
func CreateArgs(dir string, def environment.Definition) []string {
	args := []string{"create", "--yes", "--quiet", "--prefix", dir}
	for _, ch := range channels(def) {
		args = append(args, "--channel", ch)
	}
	if v := def.Option(OptPythonVersion); v != "" {
		args = append(args, "python="+v)
	}
	return append(args, def.Requirements...)
}

func channels(def environment.Definition) []string {
	var out []string
	for _, ch := range strings.Split(def.Option(OptChannels), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func result(dir string) lifecycle.BuildResult {
	return lifecycle.BuildResult{
		Locator: dir,
		Meta: map[string]string{
			execution.MetaPython:    filepath.Join(dir, "bin", "python"),
			execution.MetaPrefixVar: "CONDA_PREFIX",
		},
	}
}

var _ lifecycle.Builder = (*Builder)(nil)
var _ lifecycle.Adopter = (*Builder)(nil)
