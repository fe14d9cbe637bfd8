package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/lifecycle"
)

const metaLocator = "locator"

// CachedBuilder shares built environments between servers through a Store. A build
// first tries to restore the archive another server uploaded for the same key; a fresh
// build is uploaded once ready. An archive only restores into the environment directory
// of its key under cacheDir, and only when it was packed from that same path, so servers
// sharing a store need the same cache directory.
type CachedBuilder struct {
	inner    lifecycle.Builder
	adopt    lifecycle.Adopter
	store    Store
	cacheDir string
	logger   *zap.Logger
}

// Wrap returns inner unchanged when it cannot recognize a restored directory.
func Wrap(inner lifecycle.Builder, store Store, cacheDir string, logger *zap.Logger) lifecycle.Builder {
	adopt, ok := inner.(lifecycle.Adopter)
	if !ok || store == nil {
		return inner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedBuilder{
		inner:    inner,
		adopt:    adopt,
		store:    store,
		cacheDir: cacheDir,
		logger:   logger.Named("artifacts").With(zap.String("backend", inner.Name())),
	}
}

func ObjectName(kind string, key environment.Key) string {
	return kind + "/" + string(key) + ".tar.gz"
}

func (c *CachedBuilder) Name() string { return c.inner.Name() }

func (c *CachedBuilder) Key(def environment.Definition) (environment.Key, error) {
	return c.inner.Key(def)
}

func (c *CachedBuilder) Exists(ctx context.Context, key environment.Key) (lifecycle.BuildResult, bool) {
	return c.adopt.Exists(ctx, key)
}

func (c *CachedBuilder) Build(ctx context.Context, req lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	name := ObjectName(c.inner.Name(), req.Key)
	res, err := c.restore(ctx, name, req)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("archive restore failed", zap.String("key", req.Key.Short()), zap.Error(err))
	}

	res, err = c.inner.Build(ctx, req)
	if err != nil {
		return res, err
	}
	if err := c.upload(ctx, name, req.Key, res); err != nil {
		c.logger.Warn("archive upload failed", zap.String("key", req.Key.Short()), zap.Error(err))
	} else {
		req.Log(fmt.Sprintf("archived environment as %s", name))
	}
	return res, nil
}

func (c *CachedBuilder) restore(ctx context.Context, name string, req lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	body, meta, err := c.store.Get(ctx, name)
	if err != nil {
		return lifecycle.BuildResult{}, err
	}
	defer body.Close()
	dir := backend.EnvDir(c.cacheDir, c.inner.Name(), req.Key)
	if packed := meta[metaLocator]; filepath.Clean(packed) != dir {
		return lifecycle.BuildResult{}, fmt.Errorf("archive %s was packed at %q, not %s", name, packed, dir)
	}
	// Leftovers of an interrupted build; no other build of this key is running.
	if err := backend.RemoveEnv(c.cacheDir, dir); err != nil {
		return lifecycle.BuildResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return lifecycle.BuildResult{}, err
	}
	if err := Unpack(body, dir); err != nil {
		c.discard(ctx, name, dir)
		return lifecycle.BuildResult{}, err
	}
	res, ok := c.adopt.Exists(ctx, req.Key)
	if !ok || res.Locator != dir {
		c.discard(ctx, name, dir)
		return lifecycle.BuildResult{}, fmt.Errorf("archive %s did not restore a ready environment", name)
	}
	req.Log(fmt.Sprintf("restored environment from %s", name))
	c.logger.Info("environment restored", zap.String("key", req.Key.Short()), zap.String("locator", dir))
	return res, nil
}

// discard removes a failed restore and the archive that produced it, so later builds
// stop trying it.
func (c *CachedBuilder) discard(ctx context.Context, name, dir string) {
	if err := backend.RemoveEnv(c.cacheDir, dir); err != nil {
		c.logger.Warn("remove partial restore", zap.String("dir", dir), zap.Error(err))
	}
	if err := c.store.Delete(ctx, name); err != nil {
		c.logger.Warn("delete broken archive", zap.String("object", name), zap.Error(err))
	}
}

func (c *CachedBuilder) upload(ctx context.Context, name string, key environment.Key, res lifecycle.BuildResult) error {
	tmp, err := os.CreateTemp("", "isolate-archive-*.tar.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := Pack(res.Locator, tmp); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return c.store.Put(ctx, name, tmp, size, map[string]string{
		metaLocator: res.Locator,
		"key":       string(key),
		"backend":   c.inner.Name(),
	})
}

// Teardown removes the local environment only; the archive stays for other servers.
func (c *CachedBuilder) Teardown(ctx context.Context, h environment.Handle) error {
	return c.inner.Teardown(ctx, h)
}

var _ lifecycle.Builder = (*CachedBuilder)(nil)
var _ lifecycle.Adopter = (*CachedBuilder)(nil)
