package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

func TestParseOutput(t *testing.T) {
	out := strings.Join([]string{
		"PROCESSING\t/repo/a.p",
		"ARTIFACT\t/repo/a.p\ta.r",
		"ARTIFACT\t/repo/a.p\t/abs/a$inner.r",
		"WARNING\ta.p\ta.r\t3\t214\tunused variable",
		"STRONGWARNING\ta.p\t\t9\t4958\tdeprecated\twith tab",
		"ERROR\tb.p\tb.r\tx\t1\tbad line number",
		"compiling...",
		"INTERNAL\tout of handles",
		"",
	}, "\n")

	res := &WorkerResult{}
	err := ParseOutput(strings.NewReader(out), "/work/worker-0", res, logger.Discard())
	require.NoError(t, err)

	assert.Equal(t, "/repo/a.p", res.Processing)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, filepath.Join("/work/worker-0", "a.r"), res.Artifacts[0].ArtifactPath)
	assert.Equal(t, "/abs/a$inner.r", res.Artifacts[1].ArtifactPath)

	require.Len(t, res.Errors, 2)
	assert.Equal(t, types.LevelWarning, res.Errors[0].Level)
	assert.Equal(t, 3, res.Errors[0].Line)
	assert.Equal(t, 214, res.Errors[0].ErrorNumber)
	assert.Equal(t, types.LevelStrongWarning, res.Errors[1].Level)
	assert.Equal(t, "deprecated\twith tab", res.Errors[1].Message)

	assert.Equal(t, []string{"out of handles"}, res.Internal)
	assert.True(t, res.Failed())
}

func TestLookup(t *testing.T) {
	l := NewLookup([]types.FileToCompile{
		{SourcePath: "/repo/a.p", RelativePath: "a.p"},
		{SourcePath: "/repo/sub/a.p", RelativePath: "sub/a.p"},
		{SourcePath: "/repo/sub/Order.cls", RelativePath: "sub/Order.cls"},
	})

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"a.p", "a.p", true},
		{"/repo/sub/a.p", "sub/a.p", true},
		{"SUB/A.P", "sub/a.p", true},
		{"order.cls", "sub/Order.cls", true},
		{"./sub/Order.cls", "sub/Order.cls", true},
		{"missing.p", "", false},
	}
	for _, tt := range tests {
		got, ok := l.Resolve(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestNewProcessWorker_Validation(t *testing.T) {
	_, err := NewProcessWorker(types.CompilerConfig{}, "", nil)
	assert.Error(t, err)

	_, err = NewProcessWorker(types.CompilerConfig{Command: "cc", ExecutionKind: "interpret"}, "", nil)
	assert.Error(t, err)

	w, err := NewProcessWorker(types.CompilerConfig{Command: "cc", ExecutionKind: types.ExecSyntaxCheck}, "", nil)
	require.NoError(t, err)
	assert.False(t, w.variant.expectArtifacts)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "compiler.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

const fakeCompiler = `while read -r src; do
  name=$(basename "$src" .p)
  printf 'PROCESSING\t%s\n' "$src"
  : > "$DEPLOYER_OUTDIR/$name.r"
  printf 'ARTIFACT\t%s\t%s.r\n' "$src" "$name"
done < "$1"
printf 'WARNING\t%s\t\t3\t214\tunused variable\n' "a.p"
echo "mode=$DEPLOYER_MODE"
`

func TestProcessWorker_Compile(t *testing.T) {
	script := writeScript(t, fakeCompiler)
	w, err := NewProcessWorker(types.CompilerConfig{Command: script, Args: []string{"{batch}"}}, "", nil)
	require.NoError(t, err)

	out := t.TempDir()
	batch := []types.FileToCompile{
		{SourcePath: "/repo/a.p", RelativePath: "a.p"},
		{SourcePath: "/repo/b.p", RelativePath: "b.p"},
	}
	res, err := w.Compile(context.Background(), batch, out)
	require.NoError(t, err)

	assert.False(t, res.Failed())
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, filepath.Join(out, "b.r"), res.Artifacts[1].ArtifactPath)
	assert.FileExists(t, res.Artifacts[0].ArtifactPath)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "unused variable", res.Errors[0].Message)

	list, err := os.ReadFile(filepath.Join(out, BatchFileName))
	require.NoError(t, err)
	assert.Equal(t, "/repo/a.p\n/repo/b.p\n", string(list))

	log, err := os.ReadFile(filepath.Join(out, "worker.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "mode=compile")
}

func TestProcessWorker_BatchAppendedWhenUnreferenced(t *testing.T) {
	script := writeScript(t, fakeCompiler)
	w, err := NewProcessWorker(types.CompilerConfig{Command: script}, "", nil)
	require.NoError(t, err)

	res, err := w.Compile(context.Background(), []types.FileToCompile{{SourcePath: "/repo/a.p", RelativePath: "a.p"}}, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 1)
}

func TestProcessWorker_SyntaxCheckDropsArtifacts(t *testing.T) {
	script := writeScript(t, fakeCompiler)
	w, err := NewProcessWorker(types.CompilerConfig{Command: script, ExecutionKind: types.ExecSyntaxCheck}, "", nil)
	require.NoError(t, err)

	res, err := w.Compile(context.Background(), []types.FileToCompile{{SourcePath: "/repo/a.p", RelativePath: "a.p"}}, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
	assert.Len(t, res.Errors, 1)
}

func TestProcessWorker_NonZeroExit(t *testing.T) {
	script := writeScript(t, "printf 'PROCESSING\\t/repo/b.p\\n'\necho 'license expired' >&2\nexit 2\n")
	w, err := NewProcessWorker(types.CompilerConfig{Command: script}, "", nil)
	require.NoError(t, err)

	res, err := w.Compile(context.Background(), []types.FileToCompile{{SourcePath: "/repo/b.p", RelativePath: "b.p"}}, t.TempDir())
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, 2, res.ExitStatus)
	assert.Equal(t, "/repo/b.p", res.Processing)
	assert.Equal(t, []string{"license expired"}, res.Internal)
}

func TestProcessWorker_Cancellation(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	w, err := NewProcessWorker(types.CompilerConfig{Command: script, GracePeriod: 100}, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = w.Compile(ctx, []types.FileToCompile{{SourcePath: "/repo/a.p", RelativePath: "a.p"}}, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}
