package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamans/authsession/pkg/config"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

func writeConfig(t *testing.T, path, level string) {
	t.Helper()
	content := fmt.Sprintf(`
auth:
  identity_provider_base_url: "https://tenant.example.com"
  client_id: "client-1"
logging:
  level: %q
`, level)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type recorder struct {
	mu      sync.Mutex
	configs []*config.Config
	err     error
}

func (r *recorder) Reload(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *recorder) levels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.configs {
		out = append(out, c.Logging.Level)
	}
	return out
}

func startWatcher(t *testing.T, level string) (path string, rec *recorder, notify chan struct{}) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, level)

	loader := config.NewFileLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	rec = &recorder{}
	notify = make(chan struct{}, 10)
	w, err := New(WatcherConfig{
		Loader:       loader,
		Target:       rec,
		ConfigPath:   path,
		Initial:      initial,
		Debounce:     50 * time.Millisecond,
		Logger:       logging.NewTestLogger(),
		ReloadNotify: notify,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// give fsnotify time to register
	time.Sleep(50 * time.Millisecond)
	return path, rec, notify
}

func waitNotify(t *testing.T, notify chan struct{}) {
	t.Helper()
	select {
	case <-notify:
	case <-time.After(3 * time.Second):
		t.Fatal("no reload attempt")
	}
}

// settle drains attempts triggered by trailing events of the last write.
func settle(notify chan struct{}) {
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case <-notify:
		default:
			return
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(WatcherConfig{})
	assert.Error(t, err)
	_, err = New(WatcherConfig{Loader: config.NewFileLoader("x.yaml")})
	assert.Error(t, err)
	_, err = New(WatcherConfig{Loader: config.NewFileLoader("x.yaml"), Target: &recorder{}})
	assert.Error(t, err)
}

func TestWatch_ReloadsChangedConfig(t *testing.T) {
	path, rec, notify := startWatcher(t, "info")

	writeConfig(t, path, "debug")
	waitNotify(t, notify)

	assert.Equal(t, []string{"debug"}, rec.levels())
}

func TestWatch_SkipsUnchangedConfig(t *testing.T) {
	path, rec, notify := startWatcher(t, "info")

	writeConfig(t, path, "info")
	waitNotify(t, notify)

	assert.Empty(t, rec.levels())
}

func TestWatch_KeepsCurrentConfigOnInvalidFile(t *testing.T) {
	path, rec, notify := startWatcher(t, "info")

	require.NoError(t, os.WriteFile(path, []byte("auth: ["), 0o644))
	waitNotify(t, notify)
	settle(notify)
	assert.Empty(t, rec.levels())

	writeConfig(t, path, "warn")
	waitNotify(t, notify)
	assert.Equal(t, []string{"warn"}, rec.levels())
}

func TestWatch_RetriesAfterFailedReload(t *testing.T) {
	path, rec, notify := startWatcher(t, "info")

	rec.mu.Lock()
	rec.err = errors.New("busy")
	rec.mu.Unlock()
	writeConfig(t, path, "debug")
	waitNotify(t, notify)
	settle(notify)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	writeConfig(t, path, "debug")
	waitNotify(t, notify)

	assert.Equal(t, []string{"debug"}, rec.levels(), "hash is only recorded after a successful reload")
}

func TestReloaderFunc(t *testing.T) {
	var got *config.Config
	r := ReloaderFunc(func(cfg *config.Config) error { got = cfg; return nil })
	cfg := &config.Config{}
	require.NoError(t, r.Reload(cfg))
	assert.Same(t, cfg, got)
}
