package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type batches struct {
	mu  sync.Mutex
	all [][]string
}

func (b *batches) record(_ context.Context, changed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, changed)
}

func (b *batches) flat() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, batch := range b.all {
		out = append(out, batch...)
	}
	return out
}

func startWatcher(t *testing.T, opts Options) (*batches, func()) {
	t.Helper()
	w, err := New(opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := &batches{}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, got.record) }()

	// Give the watcher time to register the tree
	time.Sleep(100 * time.Millisecond)

	return got, func() {
		cancel()
		assert.NoError(t, <-done)
	}
}

func TestWatcher_BatchesSettledChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".deployer"), 0755))

	got, stop := startWatcher(t, Options{
		Root:        root,
		Recursive:   true,
		ExcludeDirs: []string{".deployer"},
		Filter:      func(rel string) bool { return strings.HasSuffix(rel, ".p") },
		Settling:    50 * time.Millisecond,
	})
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "a.p"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "b.p"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".deployer", "c.p"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return len(got.flat()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	flat := got.flat()
	assert.Contains(t, flat, "app/a.p")
	assert.Contains(t, flat, "app/b.p")
	assert.NotContains(t, flat, "notes.md")
	assert.NotContains(t, flat, ".deployer/c.p")
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	root := t.TempDir()

	got, stop := startWatcher(t, Options{
		Root:      root,
		Recursive: true,
		Settling:  50 * time.Millisecond,
	})
	defer stop()

	dir := filepath.Join(root, "lib")
	require.NoError(t, os.Mkdir(dir, 0755))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"lib"}, got.flat())
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0644))
	assert.Eventually(t, func() bool {
		for _, p := range got.flat() {
			if p == "lib/x.txt" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_ReportsFilesOfMovedInDirectory(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "lib", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "a.p"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "sub", "b.p"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "notes.md"), []byte("x"), 0644))

	got, stop := startWatcher(t, Options{
		Root:      root,
		Recursive: true,
		Filter:    func(rel string) bool { return strings.HasSuffix(rel, ".p") },
		Settling:  50 * time.Millisecond,
	})
	defer stop()

	require.NoError(t, os.Rename(filepath.Join(staging, "lib"), filepath.Join(root, "lib")))

	assert.Eventually(t, func() bool {
		return len(got.flat()) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	flat := got.flat()
	assert.Contains(t, flat, "lib")
	assert.Contains(t, flat, "lib/a.p")
	assert.Contains(t, flat, "lib/sub/b.p")
	assert.NotContains(t, flat, "lib/notes.md")
}

func TestWatcher_IsExcluded(t *testing.T) {
	w := &Watcher{excluded: map[string]bool{".git": true, "build/out": true}}
	assert.True(t, w.isExcluded(".git/HEAD"))
	assert.True(t, w.isExcluded("sub/.git/config"))
	assert.True(t, w.isExcluded("build/out/a.r"))
	assert.False(t, w.isExcluded("build/a.r"))
	assert.False(t, w.isExcluded("src/a.p"))
}
