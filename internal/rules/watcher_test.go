package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_TriggersOnChange(t *testing.T) {
	origDebounce := debounceReload
	debounceReload = 10 * time.Millisecond
	t.Cleanup(func() { debounceReload = origDebounce })

	dir := t.TempDir()
	triggered := make(chan struct{}, 8)

	w, err := NewWatcher(dir, func() { triggered <- struct{}{} })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new-rule.json"), []byte(`{}`), 0644))

	select {
	case <-triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to fire onChange")
	}
}

func TestWatcher_CoalescesBurstsIntoOneCallback(t *testing.T) {
	origDebounce := debounceReload
	debounceReload = 100 * time.Millisecond
	t.Cleanup(func() { debounceReload = origDebounce })

	dir := t.TempDir()
	var count int
	done := make(chan struct{})
	w, err := NewWatcher(dir, func() {
		count++
		done <- struct{}{}
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "rule.json")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced callback")
	}

	select {
	case <-done:
		t.Fatal("callback fired more than once for a single burst")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_StopClosesCleanly(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, func() {})
	require.NoError(t, err)
	w.Start()
	w.Stop()
}
