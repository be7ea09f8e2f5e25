package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/comfyfleet/internal/watcher"
)

func newWatcher(t *testing.T, dir string) (*watcher.Watcher, <-chan string) {
	t.Helper()
	w, err := watcher.New(watcher.Config{
		Dir:         dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })

	files, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return w, files
}

func TestWatcher_ReportsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(first, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("{}"), 0644))

	_, files := newWatcher(t, dir)

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case path := <-files:
			got = append(got, path)
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected existing files to be reported")
		}
	}
	assert.Equal(t, []string{first, second}, got, "existing files arrive sorted")
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.json")

	_, files := newWatcher(t, dir)

	// Rapid writes should coalesce into a single report
	for i := 0; i < 10; i++ {
		err := os.WriteFile(path, []byte(fmt.Sprintf("{\"rev\":%d}", i)), 0644)
		require.NoError(t, err, "failed to write file")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case got := <-files:
		assert.Equal(t, path, got)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected file report but got timeout")
	}

	// No second report should come quickly
	select {
	case <-files:
		t.Fatal("unexpected second report")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}
}

func TestWatcher_ReportsEachChangedFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")

	_, files := newWatcher(t, dir)

	require.NoError(t, os.WriteFile(first, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("{}"), 0644))

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case path := <-files:
			got = append(got, path)
		case <-time.After(300 * time.Millisecond):
			t.Fatalf("expected 2 file reports, got %d", len(got))
		}
	}
	assert.Equal(t, []string{first, second}, got, "flushed batch is sorted")
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()

	_, files := newWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{}"), 0644))

	select {
	case path := <-files:
		t.Fatalf("should not report non-workflow files, got %s", path)
	case <-time.After(150 * time.Millisecond):
		// Expected
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()

	w, err := watcher.New(watcher.Config{
		Dir:         dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w, err := watcher.New(watcher.Config{
		Dir:         filepath.Join(t.TempDir(), "does-not-exist"),
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	_, err = w.Start()
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/var/spool/comfyfleet")

	assert.Equal(t, "/var/spool/comfyfleet", cfg.Dir)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceDur)
}
