package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"isolate/core/environment"
)

// ReadyMarker is written last into an environment directory; a directory without it is
// a partial build.
const ReadyMarker = ".isolate-ready"

type marker struct {
	Key        environment.Key        `json:"key"`
	Backend    string                 `json:"backend"`
	Definition environment.Definition `json:"definition"`
	BuiltAt    time.Time              `json:"built_at"`
}

// EnvDir is the directory of one environment: <root>/<backend>/<key>.
func EnvDir(root, backendName string, key environment.Key) string {
	return filepath.Join(root, backendName, string(key))
}

func MarkReady(dir, backendName string, key environment.Key, def environment.Definition) error {
	data, err := json.MarshalIndent(marker{Key: key, Backend: backendName, Definition: def, BuiltAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReadyMarker), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// IsReady reports whether dir holds a completed build of key.
func IsReady(dir string, key environment.Key) bool {
	data, err := os.ReadFile(filepath.Join(dir, ReadyMarker))
	if err != nil {
		return false
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.Key == key
}

// RemoveEnv deletes dir, refusing anything outside root.
func RemoveEnv(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("refusing to remove %s outside cache %s", dir, root)
	}
	// The marker goes first so an interrupted removal is never adopted as ready.
	if err := os.Remove(filepath.Join(dir, ReadyMarker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}
