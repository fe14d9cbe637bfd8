package artifacts

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/lifecycle"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (s *memStore) Get(ctx context.Context, name string) (io.ReadCloser, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), s.meta[name], nil
}

func (s *memStore) Put(ctx context.Context, name string, body io.Reader, size int64, meta map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return io.ErrShortWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	s.meta[name] = meta
	return nil
}

func (s *memStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	return nil
}

// diskBuilder lays out a small environment directory with a readiness marker.
type diskBuilder struct {
	root   string
	err    error
	mu     sync.Mutex
	builds int
}

func (b *diskBuilder) Name() string { return "disk" }

func (b *diskBuilder) Key(def environment.Definition) (environment.Key, error) {
	return environment.KeyOf(b.Name(), def), nil
}

func (b *diskBuilder) Exists(ctx context.Context, key environment.Key) (lifecycle.BuildResult, bool) {
	dir := backend.EnvDir(b.root, b.Name(), key)
	if !backend.IsReady(dir, key) {
		return lifecycle.BuildResult{}, false
	}
	return lifecycle.BuildResult{Locator: dir}, true
}

func (b *diskBuilder) Build(ctx context.Context, req lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	b.mu.Lock()
	b.builds++
	b.mu.Unlock()
	if b.err != nil {
		return lifecycle.BuildResult{}, b.err
	}
	dir := backend.EnvDir(b.root, b.Name(), req.Key)
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		return lifecycle.BuildResult{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "tool"), []byte("#!/bin/sh\necho tool\n"), 0o755); err != nil {
		return lifecycle.BuildResult{}, err
	}
	if err := os.Symlink("tool", filepath.Join(dir, "bin", "alias")); err != nil {
		return lifecycle.BuildResult{}, err
	}
	if err := backend.MarkReady(dir, b.Name(), req.Key, req.Definition); err != nil {
		return lifecycle.BuildResult{}, err
	}
	return lifecycle.BuildResult{Locator: dir}, nil
}

func (b *diskBuilder) Teardown(ctx context.Context, h environment.Handle) error {
	return backend.RemoveEnv(b.root, h.Locator)
}

func (b *diskBuilder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

func TestCachedBuilderRestoresArchive(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	def := environment.Definition{Requirements: []string{"pyjokes"}}
	ctx := context.Background()

	first := &diskBuilder{root: root}
	m := lifecycle.NewManager(Wrap(first, store, root, nil), lifecycle.Options{})
	h, err := m.Acquire(ctx, def)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.Builds() != 1 {
		t.Fatalf("builds %d", first.Builds())
	}
	if _, ok := store.objects[ObjectName("disk", h.Key)]; !ok {
		t.Fatal("archive not uploaded")
	}
	if err := m.Destroy(ctx, h.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	m.Close()
	if _, err := os.Stat(h.Locator); !os.IsNotExist(err) {
		t.Fatalf("environment still on disk: %v", err)
	}

	second := &diskBuilder{root: root}
	var lines []string
	m2 := lifecycle.NewManager(Wrap(second, store, root, nil), lifecycle.Options{})
	defer m2.Close()
	h2, err := m2.Acquire(lifecycle.WithBuildLog(ctx, func(line string) { lines = append(lines, line) }), def)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.Builds() != 0 {
		t.Fatalf("restored environment was rebuilt")
	}
	if h2.Locator != h.Locator {
		t.Fatalf("locator %q, want %q", h2.Locator, h.Locator)
	}
	if link, err := os.Readlink(filepath.Join(h2.Locator, "bin", "alias")); err != nil || link != "tool" {
		t.Fatalf("symlink not restored: %q %v", link, err)
	}
	info, err := os.Stat(filepath.Join(h2.Locator, "bin", "tool"))
	if err != nil || info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("executable bit lost: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("build log %v", lines)
	}
}

func TestRestoreIgnoresForeignLocator(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	def := environment.Definition{Requirements: []string{"pyjokes"}}
	ctx := context.Background()

	src := &diskBuilder{root: t.TempDir()}
	key, _ := src.Key(def)
	res, err := src.Build(ctx, lifecycle.BuildRequest{Key: key, Definition: def, Log: func(string) {}})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Pack(res.Locator, &buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "precious"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, ObjectName("disk", key), &buf, int64(buf.Len()), map[string]string{metaLocator: outside}); err != nil {
		t.Fatal(err)
	}

	b := &diskBuilder{root: root}
	m := lifecycle.NewManager(Wrap(b, store, root, nil), lifecycle.Options{})
	defer m.Close()
	h, err := m.Acquire(ctx, def)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if b.Builds() != 1 || h.Locator != backend.EnvDir(root, "disk", key) {
		t.Fatalf("builds %d locator %q", b.Builds(), h.Locator)
	}
	if data, err := os.ReadFile(filepath.Join(outside, "precious")); err != nil || string(data) != "keep" {
		t.Fatalf("directory outside the cache touched: %v", err)
	}
}

func TestBrokenArchiveIsDeleted(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	def := environment.Definition{Requirements: []string{"pyjokes"}}
	ctx := context.Background()

	b := &diskBuilder{root: root, err: errors.New("index unreachable")}
	key, _ := b.Key(def)
	name := ObjectName("disk", key)
	garbage := []byte("not a tarball")
	if err := store.Put(ctx, name, bytes.NewReader(garbage), int64(len(garbage)), map[string]string{metaLocator: backend.EnvDir(root, "disk", key)}); err != nil {
		t.Fatal(err)
	}

	m := lifecycle.NewManager(Wrap(b, store, root, nil), lifecycle.Options{})
	defer m.Close()
	if _, err := m.Acquire(ctx, def); !errors.Is(err, environment.ErrBuild) {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := store.objects[name]; ok {
		t.Fatal("broken archive kept")
	}
	if _, err := os.Stat(backend.EnvDir(root, "disk", key)); !os.IsNotExist(err) {
		t.Fatalf("partial restore left on disk: %v", err)
	}
}

func TestUnpackRejectsSymlinkTraversal(t *testing.T) {
	outside := t.TempDir()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "link", Linkname: outside, Mode: 0o777, Typeflag: tar.TypeSymlink}); err != nil {
		t.Fatal(err)
	}
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "link/evil", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()

	if err := Unpack(&buf, filepath.Join(t.TempDir(), "env")); err == nil {
		t.Fatal("entry below a symlink accepted")
	}
	if _, err := os.Stat(filepath.Join(outside, "evil")); !os.IsNotExist(err) {
		t.Fatal("file written through a symlink")
	}
}

func TestWrapSkipsNonAdopters(t *testing.T) {
	var b lifecycle.Builder = nonAdopter{}
	if Wrap(b, newMemStore(), t.TempDir(), nil) != b {
		t.Fatal("builder without Exists was wrapped")
	}
}

type nonAdopter struct{}

func (nonAdopter) Name() string { return "plain" }
func (nonAdopter) Key(def environment.Definition) (environment.Key, error) {
	return environment.KeyOf("plain", def), nil
}
func (nonAdopter) Build(context.Context, lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	return lifecycle.BuildResult{}, nil
}
func (nonAdopter) Teardown(context.Context, environment.Handle) error { return nil }

func TestUnpackRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()

	parent := t.TempDir()
	if err := Unpack(&buf, filepath.Join(parent, "env")); err == nil {
		t.Fatal("escaping entry accepted")
	}
	if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
		t.Fatal("file written outside target")
	}
}

func TestUnpackRefusesExistingDir(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Pack(src, &buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if err := Unpack(&buf, t.TempDir()); err == nil {
		t.Fatal("unpacked over an existing directory")
	}
}
