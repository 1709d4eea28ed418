package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) callback(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, time.Millisecond, func(string) {}, zap.NewNop())
	assert.Error(t, err)

	_, err = New([]string{"a.json"}, time.Millisecond, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	w, err := New([]string{file}, 10*time.Millisecond, func(string) {}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Error(t, w.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	w, err := New([]string{file}, 10*time.Millisecond, func(string) {}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	assert.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}

func TestRapidWritesCoalesceIntoOneNotification(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	rec := &recorder{}
	w, err := New([]string{file}, 100*time.Millisecond, rec.callback, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		writeFile(t, file, "{}")
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Let any stray timers fire before counting.
	time.Sleep(300 * time.Millisecond)
	paths := rec.snapshot()
	assert.Len(t, paths, 1)

	abs, err := filepath.Abs(file)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(abs), paths[0])
}

func TestAtomicReplaceIsDetected(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	rec := &recorder{}
	w, err := New([]string{file}, 20*time.Millisecond, rec.callback, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	tmp := filepath.Join(dir, "config.json.tmp")
	writeFile(t, tmp, `{"mcpServers":{}}`)
	require.NoError(t, os.Rename(tmp, file))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnwatchedSiblingFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	other := filepath.Join(dir, "other.json")
	writeFile(t, file, "{}")

	rec := &recorder{}
	w, err := New([]string{file}, 20*time.Millisecond, rec.callback, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, other, "{}")
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	rec := &recorder{}
	calls := 0
	var mu sync.Mutex
	cb := func(path string) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("boom")
		}
		rec.callback(path)
	}

	w, err := New([]string{file}, 20*time.Millisecond, cb, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, file, "1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	writeFile(t, file, "2")
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestartAfterStop(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	writeFile(t, file, "{}")

	rec := &recorder{}
	w, err := New([]string{file}, 20*time.Millisecond, rec.callback, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	w.Stop()
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, file, "1")
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
