// Package compiler drives external compiler workers over partitioned
// batches of source files.
package compiler

//go:generate mockgen -destination=../../pkg/mocks/mock_worker.go -package=mocks github.com/poltergeist/deployer/internal/compiler Worker

import (
	"context"

	"github.com/poltergeist/deployer/pkg/types"
)

// Worker compiles one slice of files into outputDir. Implementations must
// be safe to call concurrently with disjoint output directories.
//
// A returned error means the session itself failed (could not start,
// crashed, was cancelled); diagnostics about the sources are reported in
// the result.
type Worker interface {
	Compile(ctx context.Context, batch []types.FileToCompile, outputDir string) (*WorkerResult, error)
}

// WorkerResult is what a worker session reported
type WorkerResult struct {
	// Artifacts carry the source name as reported by the worker
	Artifacts []types.CompiledFile
	Errors    []types.FileError
	// ExitStatus is the process exit code; non-zero is a session failure
	ExitStatus int
	// Processing is the last source the worker announced
	Processing string
	// Internal holds internal-error messages, each one a session failure
	Internal []string
}

// Failed reports whether the session must be treated as a worker failure
func (r *WorkerResult) Failed() bool {
	return r.ExitStatus != 0 || len(r.Internal) > 0
}
