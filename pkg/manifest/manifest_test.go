package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poltergeist/deployer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SortsAndDeduplicates(t *testing.T) {
	m := New(time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC), []Entry{
		{Path: "src/b.p", Fingerprint: "mtime:2"},
		{Path: "src/a.p", Fingerprint: "mtime:1"},
		{Path: "src/b.p", Fingerprint: "mtime:3"},
		{Path: "src/a.r", Source: "src/a.p"},
	})

	assert.Equal(t, []string{"src/a.p", "src/a.r", "src/b.p"}, m.Paths())
	assert.Equal(t, FormatVersion, m.Version)
	assert.Equal(t, 0, m.DeploymentTimestamp.Nanosecond())

	e, ok := m.Lookup("src/b.p")
	require.True(t, ok)
	assert.Equal(t, "mtime:3", e.Fingerprint)

	gen, ok := m.Lookup("src/a.r")
	require.True(t, ok)
	assert.True(t, gen.IsGenerated())

	_, ok = m.Lookup("src/zz.p")
	assert.False(t, ok)
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	_, err := store.Load("prod")
	assert.True(t, errors.Is(err, types.ErrNoPreviousManifest))
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	m := New(time.Now(), []Entry{{Path: "a.p", Fingerprint: "sha256:ab"}})

	require.NoError(t, store.Save("prod", m))

	_, err := os.Stat(store.Path("prod") + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive the rename")
	assert.Equal(t, filepath.Join(dir, "manifests", "prod.json"), store.Path("prod"))

	loaded, err := store.Load("prod")
	require.NoError(t, err)
	assert.True(t, loaded.SameFiles(m))
	assert.True(t, loaded.DeploymentTimestamp.Equal(m.DeploymentTimestamp))

	envs, err := store.Environments()
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, envs)
}

func TestStore_UnchangedSaveIsByteIdentical(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	entries := []Entry{
		{Path: "a.p", Fingerprint: "mtime:1"},
		{Path: "a.r", Source: "a.p"},
	}

	require.NoError(t, store.Save("dev", New(time.Now().Add(-time.Hour), entries)))
	first, err := os.ReadFile(store.Path("dev"))
	require.NoError(t, err)

	require.NoError(t, store.Save("dev", New(time.Now(), entries)))
	second, err := os.ReadFile(store.Path("dev"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestStore_ChangedSaveUpdatesTimestamp(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.Save("dev", New(old, []Entry{{Path: "a.p", Fingerprint: "mtime:1"}})))

	now := time.Now()
	require.NoError(t, store.Save("dev", New(now, []Entry{{Path: "a.p", Fingerprint: "mtime:2"}})))

	loaded, err := store.Load("dev")
	require.NoError(t, err)
	assert.True(t, loaded.DeploymentTimestamp.Equal(now.UTC().Truncate(time.Second)))
}

func TestStore_CorruptManifest(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path("dev")), 0755))
	require.NoError(t, os.WriteFile(store.Path("dev"), []byte("{not json"), 0644))

	_, err := store.Load("dev")
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrNoPreviousManifest))
}

func TestStore_Remove(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	require.NoError(t, store.Save("dev", New(time.Now(), nil)))
	require.NoError(t, store.Remove("dev"))
	require.NoError(t, store.Remove("dev"))

	_, err := store.Load("dev")
	assert.ErrorIs(t, err, types.ErrNoPreviousManifest)
}

func TestFingerprints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.p")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	mod := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mod, mod))

	fp, err := FingerprinterFor(types.FingerprintMTime)(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "mtime:1746057600000000000", fp)

	fp, err = FingerprinterFor(types.FingerprintContent)(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", fp)
}
