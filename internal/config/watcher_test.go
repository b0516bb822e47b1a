package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
wake_word:
  enabled: true
`

const watcherUpdatedYAML = `
server:
  log_level: debug
wake_word:
  enabled: false
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// changeRecorder collects watcher callbacks.
type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, new})
	r.mu.Unlock()
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) last() (old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.changes[len(r.changes)-1]
	return c[0], c[1]
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	waitUntil(t, func() bool { return rec.count() >= 1 })

	old, new := rec.last()
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("change = %q -> %q", old.Server.LogLevel, new.Server.LogLevel)
	}
	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.WakeWordChanged || d.WakeWordEnabled {
		t.Errorf("diff = %+v", d)
	}
	if w.Current() != new {
		t.Error("Current() should return the reloaded config")
	}
}

func TestWatcher_FollowsRenameSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	tmp := filepath.Join(dir, "config.yaml.tmp")
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, cfgPath); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return w.Current().Server.LogLevel == config.LogDebug })
}

func TestWatcher_IgnoresInvalidUpdate(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)

	if rec.count() != 0 {
		t.Error("onChange must not fire for an invalid config")
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("previous config should be kept")
	}
}

func TestWatcher_IgnoresIdenticalContent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherValidYAML)
	time.Sleep(200 * time.Millisecond)

	if rec.count() != 0 {
		t.Errorf("onChange fired %d times for identical content", rec.count())
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
