package sinks_test

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/deployer/pkg/mocks"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func zipContents(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func TestLocalSink_Apply(t *testing.T) {
	dir := t.TempDir()
	sink := sinks.NewLocalSink(nil)
	ctx := context.Background()

	src := writeFile(t, filepath.Join(dir, "src", "a.txt"), "alpha")
	copyTarget := filepath.Join(dir, "out", "nested", "a.txt")
	require.NoError(t, sink.Apply(ctx, types.FileToDeploy{
		SourcePath: src, TargetPath: copyTarget, DeployType: types.DeployType{Kind: types.DeployCopy},
	}))
	assert.Equal(t, "alpha", readFile(t, copyTarget))
	assert.FileExists(t, src)

	moveTarget := filepath.Join(dir, "moved", "a.txt")
	require.NoError(t, sink.Apply(ctx, types.FileToDeploy{
		SourcePath: src, TargetPath: moveTarget, DeployType: types.DeployType{Kind: types.DeployMove},
	}))
	assert.NoFileExists(t, src)
	assert.Equal(t, "alpha", readFile(t, moveTarget))

	del := types.FileToDeploy{TargetPath: moveTarget, DeployType: types.DeployType{Kind: types.DeployDelete}}
	require.NoError(t, sink.Apply(ctx, del))
	assert.NoFileExists(t, moveTarget)
	assert.NoError(t, sink.Apply(ctx, del), "deleting a missing target is not an error")

	err := sink.Apply(ctx, types.FileToDeploy{
		SourcePath: filepath.Join(dir, "missing"), TargetPath: copyTarget,
		DeployType: types.DeployType{Kind: types.DeployCopy},
	})
	var sinkErr *types.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, copyTarget, sinkErr.Path)
}

func TestLocalSink_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sinks.NewLocalSink(nil).Apply(ctx, types.FileToDeploy{DeployType: types.DeployType{Kind: types.DeployCopy}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCopyTreeAndListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ref", "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "ref", "sub", "a.txt"), "a")

	copied, err := sinks.CopyTree(context.Background(), filepath.Join(dir, "ref"), filepath.Join(dir, "out"))
	require.NoError(t, err)
	sort.Strings(copied)
	assert.Equal(t, []string{"b.txt", "sub/a.txt"}, copied)

	files, err := sinks.ListFiles(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "sub/a.txt"}, files)
}

func TestArchiveRegistry_ZipMergesEntries(t *testing.T) {
	dir := t.TempDir()
	reg := sinks.NewArchiveRegistry(map[string]types.ArchiveConfig{
		"web": {Path: "pkg/web.zip"},
	}, dir, nil)
	ctx := context.Background()

	a := writeFile(t, filepath.Join(dir, "a.html"), "v1")
	b := writeFile(t, filepath.Join(dir, "b.js"), "js")
	require.NoError(t, reg.AddEntries(ctx, "web", []sinks.Entry{
		{SourcePath: a, ArchivePath: "web/a.html"},
		{SourcePath: b, ArchivePath: "/web/b.js"},
	}))

	writeFile(t, a, "v2")
	require.NoError(t, reg.AddEntries(ctx, "web", []sinks.Entry{
		{SourcePath: a, ArchivePath: "web/a.html"},
	}))

	path, err := reg.Path("web")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg", "web.zip"), path)
	assert.Equal(t, map[string]string{"web/a.html": "v2", "web/b.js": "js"}, zipContents(t, path))
	assert.Equal(t, []string{"web"}, reg.Touched())
}

func TestArchiveRegistry_UnknownArchive(t *testing.T) {
	reg := sinks.NewArchiveRegistry(nil, t.TempDir(), nil)

	_, err := reg.Path("lib")
	assert.ErrorIs(t, err, types.ErrUnsupportedArchive)

	err = reg.AddEntries(context.Background(), "lib", []sinks.Entry{{SourcePath: "x", ArchivePath: "x"}})
	assert.ErrorIs(t, err, types.ErrUnsupportedArchive)
	assert.Empty(t, reg.Touched())
}

func TestArchiveRegistry_CommandFormat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "a.r"), "r")
	archive := filepath.Join(dir, "lib.pl")

	reg := sinks.NewArchiveRegistry(map[string]types.ArchiveConfig{
		"lib": {Path: archive, Format: types.ArchiveFormatCommand, Command: "cp {list} {archive}"},
	}, dir, nil)
	require.NoError(t, reg.AddEntries(context.Background(), "lib", []sinks.Entry{
		{SourcePath: src, ArchivePath: "app/a.r"},
	}))

	assert.Equal(t, src+"\tapp/a.r\n", readFile(t, archive))
}

func TestLocalTransfer(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "a.txt"), "x")

	tr, err := sinks.NewTransfer(&types.TransferConfig{Kind: types.TransferLocal, RemoteRoot: filepath.Join(dir, "remote")})
	require.NoError(t, err)
	require.NoError(t, tr.Upload(context.Background(), src, "/drop/a.txt"))
	assert.Equal(t, "x", readFile(t, filepath.Join(dir, "remote", "drop", "a.txt")))

	none, err := sinks.NewTransfer(nil)
	assert.NoError(t, err)
	assert.Nil(t, none)

	_, err = sinks.NewTransfer(&types.TransferConfig{Kind: "sftp"})
	assert.Error(t, err)
}

func TestUploadAll_ReportsErrorsByIndex(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransfer(ctrl)

	boom := errors.New("connection reset")
	tr.EXPECT().Upload(gomock.Any(), "a", "remote/a").Return(nil)
	tr.EXPECT().Upload(gomock.Any(), "b", "remote/b").Return(boom)
	tr.EXPECT().Upload(gomock.Any(), "c", "remote/c").Return(nil)

	errs := sinks.UploadAll(context.Background(), tr, []sinks.Upload{
		{LocalPath: "a", RemotePath: "remote/a"},
		{LocalPath: "b", RemotePath: "remote/b"},
		{LocalPath: "c", RemotePath: "remote/c"},
	}, 2, nil)

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	var sinkErr *types.SinkError
	require.ErrorAs(t, errs[1], &sinkErr)
	assert.Equal(t, types.DeployFtp, sinkErr.Action.Kind)
	assert.NoError(t, errs[2])
}
