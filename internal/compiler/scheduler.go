package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/poltergeist/deployer/internal/workgroup"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// MaxWorkers returns the configured worker ceiling: one in single-process
// mode, otherwise cores times processes per core
func MaxWorkers(cfg types.CompilerConfig, cores int) int {
	if cfg.SingleProcess {
		return 1
	}
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return cores * cfg.GetProcessesPerCore()
}

// WorkerCount bounds the worker count by the number of files
func WorkerCount(max, files int) int {
	if max < 1 {
		max = 1
	}
	if files < max {
		return files
	}
	return max
}

// Partition splits files into count contiguous, order-preserving slices
// whose sizes differ by at most one. Earlier slices take the remainder.
func Partition(files []types.FileToCompile, count int) [][]types.FileToCompile {
	if count <= 0 || len(files) == 0 {
		return nil
	}
	if count > len(files) {
		count = len(files)
	}

	slices := make([][]types.FileToCompile, count)
	size, rem := len(files)/count, len(files)%count
	start := 0
	for i := range slices {
		end := start + size
		if i < rem {
			end++
		}
		slices[i] = files[start:end:end]
		start = end
	}
	return slices
}

// WorkerFailure records a worker session that failed
type WorkerFailure struct {
	Index int
	Files []string
	// Processing is set when the failure could be pinned to one file
	Processing string
	Cause      error
}

func (f WorkerFailure) Error() string {
	if f.Processing != "" {
		return fmt.Sprintf("worker %d failed while processing %s: %v", f.Index, f.Processing, f.Cause)
	}
	return fmt.Sprintf("worker %d failed on %d files: %v", f.Index, len(f.Files), f.Cause)
}

func (f WorkerFailure) Unwrap() error { return f.Cause }

// BatchResult is the merged outcome of one batch, keyed by relative
// source path
type BatchResult struct {
	Artifacts map[string][]types.CompiledFile
	Errors    *types.ErrorSet
	Failures  []WorkerFailure
	// Assignment lists the relative paths given to each worker index
	Assignment [][]string
	Cancelled  bool
}

// Succeeded reports whether source compiled without an error-level diagnostic
func (r *BatchResult) Succeeded(source string) bool {
	return !r.Errors.HasErrors(source)
}

// Scheduler runs batches of compile units across isolated worker sessions
type Scheduler struct {
	worker  Worker
	workDir string
	logger  logger.Logger
}

// NewScheduler creates a scheduler whose worker directories live under workDir
func NewScheduler(worker Worker, workDir string, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{worker: worker, workDir: workDir, logger: log}
}

// WorkerDir returns the exclusive output directory of worker index i
func (s *Scheduler) WorkerDir(i int) string {
	return filepath.Join(s.workDir, fmt.Sprintf("worker-%d", i))
}

type slot struct {
	files  []types.FileToCompile
	result *WorkerResult
	err    error
}

// RunBatch compiles files with workerCount concurrent sessions. A failing
// session only affects its own slice. When ctx is cancelled the result is
// marked cancelled, carries no artifacts and types.ErrCancelled is returned.
func (s *Scheduler) RunBatch(ctx context.Context, files []types.FileToCompile, workerCount int) (*BatchResult, error) {
	result := &BatchResult{
		Artifacts: make(map[string][]types.CompiledFile),
		Errors:    types.NewErrorSet(),
	}
	if len(files) == 0 {
		return result, nil
	}

	lookup := NewLookup(files)
	partitions := Partition(files, WorkerCount(workerCount, len(files)))
	slots := make([]slot, len(partitions))

	g := workgroup.New(s.logger)
	for i, part := range partitions {
		if ctx.Err() != nil {
			break
		}

		dir := s.WorkerDir(i)
		if err := resetDir(dir); err != nil {
			slots[i] = slot{files: part, err: err}
			continue
		}

		// Each slice gets its own copy so the output directory can be set
		batch := make([]types.FileToCompile, len(part))
		for j, f := range part {
			f.CompilationOutputDir = dir
			batch[j] = f
		}
		slots[i].files = batch

		g.Go(func() error {
			res, err := s.worker.Compile(ctx, batch, dir)
			slots[i].result, slots[i].err = res, err
			return nil
		})

		s.logger.Debug("Dispatched compiler worker",
			logger.WithField("worker", i),
			logger.WithField("files", len(batch)))
	}

	// A panicking session leaves its slot without result or error
	panicErr := g.Wait()

	if ctx.Err() != nil {
		s.discard(len(partitions))
		result.Cancelled = true
		result.Assignment = assignment(partitions)
		return result, types.ErrCancelled
	}

	result.Assignment = assignment(partitions)
	for i := range slots {
		if slots[i].result == nil && slots[i].err == nil {
			slots[i].err = fmt.Errorf("worker session aborted: %v", panicErr)
		}
		s.merge(i, slots[i], lookup, result)
	}

	s.logger.Info("Compilation batch finished",
		logger.WithField("files", len(files)),
		logger.WithField("workers", len(partitions)),
		logger.WithField("errors", result.Errors.Errors()),
		logger.WithField("warnings", result.Errors.Warnings()),
		logger.WithField("failed_workers", len(result.Failures)))
	return result, nil
}

// merge folds one slot into the batch result. Slices never share sources,
// so the merge order does not matter.
func (s *Scheduler) merge(index int, sl slot, lookup *Lookup, out *BatchResult) {
	res := sl.result
	if res == nil {
		res = &WorkerResult{}
	}

	own := NewLookup(sl.files)
	for _, e := range res.Errors {
		rel, ok := own.Resolve(e.SourcePath)
		if !ok {
			rel, ok = lookup.Resolve(e.SourcePath)
		}
		switch {
		case ok:
			e.SourcePath = rel
			out.Errors.Add(e)
		case e.Level == types.LevelError:
			// An error must keep its source out of the manifest, so an
			// unresolvable name blames every candidate of this slice
			for _, rel := range candidates(e.SourcePath, sl.files) {
				blamed := e
				blamed.SourcePath = rel
				out.Errors.Add(blamed)
			}
		default:
			out.Errors.Add(e)
		}
	}

	failed := sl.err != nil || res.Failed()
	if !failed {
		for _, a := range res.Artifacts {
			s.addArtifact(out, lookup, a)
		}
		return
	}

	cause := sl.err
	if cause == nil {
		cause = fmt.Errorf("%w: exit status %d", types.ErrWorkerFailure, res.ExitStatus)
		if len(res.Internal) > 0 {
			cause = fmt.Errorf("%w: %s", types.ErrWorkerFailure, res.Internal[0])
		}
	}

	failure := WorkerFailure{Index: index, Cause: cause}
	for _, f := range sl.files {
		failure.Files = append(failure.Files, f.RelativePath)
	}

	if processing, ok := lookup.Resolve(res.Processing); ok && res.Processing != "" {
		// Pinned to one file: the rest of the slice keeps its artifacts
		failure.Processing = processing
		out.Errors.Add(types.FileError{SourcePath: processing, Message: cause.Error(), Level: types.LevelError})
		for _, a := range res.Artifacts {
			if rel, ok := lookup.Resolve(a.SourcePath); ok && rel == processing {
				continue
			}
			s.addArtifact(out, lookup, a)
		}
	} else {
		for _, rel := range failure.Files {
			out.Errors.Add(types.FileError{SourcePath: rel, Message: cause.Error(), Level: types.LevelError})
		}
	}

	s.logger.Error("Compiler worker failed",
		logger.WithField("worker", index),
		logger.WithField("dir", s.WorkerDir(index)),
		logger.WithError(failure))
	out.Failures = append(out.Failures, failure)
}

func (s *Scheduler) addArtifact(out *BatchResult, lookup *Lookup, a types.CompiledFile) {
	rel, ok := lookup.Resolve(a.SourcePath)
	if !ok {
		s.logger.Warn("Artifact reported for an unknown source",
			logger.WithField("source", a.SourcePath),
			logger.WithField("artifact", a.ArtifactPath))
		return
	}
	a.SourcePath = rel
	out.Artifacts[rel] = append(out.Artifacts[rel], a)
	sort.SliceStable(out.Artifacts[rel], func(i, j int) bool {
		return out.Artifacts[rel][i].ArtifactPath < out.Artifacts[rel][j].ArtifactPath
	})
}

// candidates returns the slice files sharing the base name of an
// unresolved source name, or the whole slice when none does
func candidates(name string, files []types.FileToCompile) []string {
	base := lookupKey(filepath.Base(name))
	var out []string
	for _, f := range files {
		if lookupKey(filepath.Base(f.RelativePath)) == base {
			out = append(out, f.RelativePath)
		}
	}
	if len(out) == 0 {
		for _, f := range files {
			out = append(out, f.RelativePath)
		}
	}
	return out
}

// discard removes the output of every worker of a cancelled batch
func (s *Scheduler) discard(n int) {
	for i := 0; i < n; i++ {
		if err := os.RemoveAll(s.WorkerDir(i)); err != nil {
			s.logger.Warn("Failed to discard worker output",
				logger.WithField("dir", s.WorkerDir(i)),
				logger.WithError(err))
		}
	}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear worker directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create worker directory: %w", err)
	}
	return nil
}

func assignment(partitions [][]types.FileToCompile) [][]string {
	out := make([][]string, len(partitions))
	for i, part := range partitions {
		for _, f := range part {
			out[i] = append(out[i], f.RelativePath)
		}
	}
	return out
}
