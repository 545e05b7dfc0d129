package compiler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/mocks"
	"github.com/poltergeist/deployer/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func compileUnits(n int) []types.FileToCompile {
	files := make([]types.FileToCompile, n)
	for i := range files {
		rel := fmt.Sprintf("src/f%02d.p", i)
		files[i] = types.FileToCompile{SourcePath: "/repo/" + rel, RelativePath: rel}
	}
	return files
}

// artifactsFor reports one artifact per batch file, named after its source
func artifactsFor(batch []types.FileToCompile, dir string) *compiler.WorkerResult {
	res := &compiler.WorkerResult{}
	for _, f := range batch {
		name := strings.TrimSuffix(filepath.Base(f.RelativePath), ".p") + ".r"
		res.Artifacts = append(res.Artifacts, types.CompiledFile{
			SourcePath:   f.SourcePath,
			ArtifactPath: filepath.Join(dir, name),
		})
	}
	return res
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 1, compiler.MaxWorkers(types.CompilerConfig{SingleProcess: true, ProcessesPerCore: 4}, 8))
	assert.Equal(t, 16, compiler.MaxWorkers(types.CompilerConfig{ProcessesPerCore: 2}, 8))
	assert.Equal(t, 8, compiler.MaxWorkers(types.CompilerConfig{}, 8))

	assert.Equal(t, 3, compiler.WorkerCount(8, 3))
	assert.Equal(t, 8, compiler.WorkerCount(8, 30))
	assert.Equal(t, 1, compiler.WorkerCount(0, 30))
	assert.Equal(t, 0, compiler.WorkerCount(4, 0))
}

func TestPartition(t *testing.T) {
	files := compileUnits(10)

	parts := compiler.Partition(files, 4)
	require.Len(t, parts, 4)

	var sizes []int
	var flat []types.FileToCompile
	for _, p := range parts {
		sizes = append(sizes, len(p))
		flat = append(flat, p...)
	}
	assert.Equal(t, []int{3, 3, 2, 2}, sizes)
	assert.Equal(t, files, flat, "partitioning must preserve order")

	again := compiler.Partition(files, 4)
	assert.Equal(t, parts, again)

	assert.Len(t, compiler.Partition(files, 20), 10)
	assert.Nil(t, compiler.Partition(nil, 4))
}

func TestRunBatch_DeterministicAssignment(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)
	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			return artifactsFor(batch, dir), nil
		}).Times(8)

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	files := compileUnits(9)

	first, err := s.RunBatch(context.Background(), files, 4)
	require.NoError(t, err)
	second, err := s.RunBatch(context.Background(), files, 4)
	require.NoError(t, err)

	assert.Equal(t, first.Assignment, second.Assignment)
	assert.Equal(t, []string{"src/f00.p", "src/f01.p", "src/f02.p"}, first.Assignment[0])
	assert.Len(t, first.Artifacts, 9)
	assert.Equal(t, filepath.Join(s.WorkerDir(0), "f00.r"), first.Artifacts["src/f00.p"][0].ArtifactPath)
	assert.Equal(t, "src/f08.p", first.Artifacts["src/f08.p"][0].SourcePath)
}

func TestRunBatch_IsolatedOutputDirectories(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	var mu sync.Mutex
	dirs := make(map[string]int)
	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			mu.Lock()
			dirs[dir]++
			mu.Unlock()
			for _, f := range batch {
				if f.CompilationOutputDir != dir {
					return nil, fmt.Errorf("file %s not bound to %s", f.RelativePath, dir)
				}
			}
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				return nil, fmt.Errorf("missing output dir %s", dir)
			}
			return &compiler.WorkerResult{}, nil
		}).Times(3)

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	files := compileUnits(6)
	res, err := s.RunBatch(context.Background(), files, 3)
	require.NoError(t, err)

	assert.Empty(t, res.Failures)
	assert.Len(t, dirs, 3)
	for dir, n := range dirs {
		assert.Equal(t, 1, n, "dir %s shared", dir)
	}
	assert.Empty(t, files[0].CompilationOutputDir, "caller's files must not be mutated")
}

func TestRunBatch_FailureIsolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	failingDir := s.WorkerDir(1)

	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			if dir == failingDir {
				res := artifactsFor(batch[:1], dir)
				res.ExitStatus = 3
				return res, nil
			}
			res := artifactsFor(batch, dir)
			res.Errors = append(res.Errors, types.FileError{
				SourcePath: batch[0].SourcePath, Line: 4, ErrorNumber: 214, Message: "unused", Level: types.LevelWarning,
			})
			return res, nil
		}).Times(4)

	res, err := s.RunBatch(context.Background(), compileUnits(8), 4)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	failure := res.Failures[0]
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, []string{"src/f02.p", "src/f03.p"}, failure.Files)
	assert.True(t, errors.Is(failure, types.ErrWorkerFailure))

	for _, rel := range []string{"src/f00.p", "src/f01.p", "src/f04.p", "src/f05.p", "src/f06.p", "src/f07.p"} {
		assert.Len(t, res.Artifacts[rel], 1, rel)
		assert.True(t, res.Succeeded(rel), rel)
	}
	for _, rel := range failure.Files {
		assert.Empty(t, res.Artifacts[rel], rel)
		assert.False(t, res.Succeeded(rel), rel)
	}

	assert.Equal(t, 2, res.Errors.Errors())
	assert.Equal(t, 3, res.Errors.Warnings())
}

func TestRunBatch_FailurePinnedToProcessingFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)
	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			res := artifactsFor(batch[:2], dir)
			res.Processing = "f02.p"
			res.Internal = []string{"stack overflow"}
			return res, nil
		})

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	res, err := s.RunBatch(context.Background(), compileUnits(3), 1)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "src/f02.p", res.Failures[0].Processing)
	assert.Len(t, res.Artifacts["src/f00.p"], 1)
	assert.Len(t, res.Artifacts["src/f01.p"], 1)
	assert.False(t, res.Succeeded("src/f02.p"))
	assert.True(t, res.Succeeded("src/f00.p"))
	assert.Contains(t, res.Errors.For("src/f02.p")[0].Message, "stack overflow")
}

func TestRunBatch_SessionErrorAndPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			switch dir {
			case s.WorkerDir(0):
				return nil, errors.New("executable not found")
			case s.WorkerDir(1):
				panic("worker bug")
			}
			return artifactsFor(batch, dir), nil
		}).Times(3)

	res, err := s.RunBatch(context.Background(), compileUnits(3), 3)
	require.NoError(t, err)

	require.Len(t, res.Failures, 2)
	assert.Contains(t, res.Failures[0].Error(), "executable not found")
	assert.Contains(t, res.Failures[1].Error(), "goroutine panic")
	assert.Len(t, res.Artifacts["src/f02.p"], 1)
}

func TestRunBatch_ErrorDeduplication(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)
	diag := types.FileError{SourcePath: "f00.p", Line: 12, ErrorNumber: 196, Message: "unknown field", Level: types.LevelError}
	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&compiler.WorkerResult{Errors: []types.FileError{diag, diag}}, nil)

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	res, err := s.RunBatch(context.Background(), compileUnits(1), 4)
	require.NoError(t, err)

	errs := res.Errors.For("src/f00.p")
	require.Len(t, errs, 1)
	assert.Equal(t, 2, errs[0].Times)
	assert.Empty(t, res.Failures)
}

func TestRunBatch_AmbiguousErrorNameBlamesSliceCandidates(t *testing.T) {
	files := []types.FileToCompile{
		{SourcePath: "/repo/app/x.p", RelativePath: "app/x.p"},
		{SourcePath: "/repo/lib/x.p", RelativePath: "lib/x.p"},
		{SourcePath: "/repo/lib/y.p", RelativePath: "lib/y.p"},
	}
	bare := types.FileError{SourcePath: "x.p", Line: 4, ErrorNumber: 196, Message: "syntax error", Level: types.LevelError}

	tests := []struct {
		name      string
		workers   int
		failing   string
		blamed    []string
		succeeded []string
	}{
		{"one slice", 1, "app/x.p", []string{"app/x.p", "lib/x.p"}, []string{"lib/y.p"}},
		{"name unique within its slice", 3, "lib/x.p", []string{"lib/x.p"}, []string{"app/x.p", "lib/y.p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := mocks.NewMockWorker(gomock.NewController(t))
			worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
					res := artifactsFor(batch, dir)
					for _, f := range batch {
						if f.RelativePath == tt.failing {
							res.Errors = append(res.Errors, bare)
						}
					}
					return res, nil
				}).Times(tt.workers)

			res, err := compiler.NewScheduler(worker, t.TempDir(), nil).RunBatch(context.Background(), files, tt.workers)
			require.NoError(t, err)

			for _, rel := range tt.blamed {
				assert.False(t, res.Succeeded(rel), rel)
			}
			for _, rel := range tt.succeeded {
				assert.True(t, res.Succeeded(rel), rel)
			}
			assert.Empty(t, res.Errors.For("x.p"))
		})
	}
}

func TestRunBatch_CancelledMidBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finished sync.WaitGroup
	finished.Add(2)
	s := compiler.NewScheduler(worker, t.TempDir(), nil)

	worker.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, batch []types.FileToCompile, dir string) (*compiler.WorkerResult, error) {
			if dir == s.WorkerDir(0) || dir == s.WorkerDir(1) {
				defer finished.Done()
				return artifactsFor(batch, dir), nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}).MinTimes(2).MaxTimes(4)

	go func() {
		finished.Wait()
		cancel()
	}()

	res, err := s.RunBatch(ctx, compileUnits(8), 4)
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Artifacts)
	assert.Empty(t, res.Failures)

	for i := 0; i < 4; i++ {
		_, statErr := os.Stat(s.WorkerDir(i))
		assert.True(t, os.IsNotExist(statErr), "worker dir %d must be discarded", i)
	}
}

func TestRunBatch_CancelledBeforeDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := compiler.NewScheduler(worker, t.TempDir(), nil)
	res, err := s.RunBatch(ctx, compileUnits(4), 2)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.True(t, res.Cancelled)
}

func TestRunBatch_Empty(t *testing.T) {
	s := compiler.NewScheduler(nil, t.TempDir(), nil)
	res, err := s.RunBatch(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, 0, res.Errors.Len())
}
