package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/diff"
	"github.com/poltergeist/deployer/pkg/types"
)

// StepReport records how one step of a run went
type StepReport struct {
	Step     types.PipelineStep
	Skipped  bool
	Files    int
	Failed   int
	Duration time.Duration
}

// Report is the outcome of a run. It separates a fatal abort (Fatal set,
// nothing recorded) from a run that completed with per-file errors.
type Report struct {
	RunID       string
	Environment string
	Status      types.RunStatus
	// FailedStep is the step the run stopped in when Status is not Done
	FailedStep types.PipelineStep
	Fatal      error

	Plan           *diff.Result
	Steps          []StepReport
	Errors         *types.ErrorSet
	SinkErrors     []error
	WorkerFailures []compiler.WorkerFailure
	Deployed       []types.FileToDeploy

	ManifestWritten bool
	Duration        time.Duration
}

// deployedFiles counts non-delete records
func (r *Report) deployedFiles() int {
	n := 0
	for _, f := range r.Deployed {
		if f.DeployType.Kind != types.DeployDelete {
			n++
		}
	}
	return n
}

func (r *Report) removedFiles() int {
	return len(r.Deployed) - r.deployedFiles()
}

// Summary returns the one-line outcome shown to the user
func (r *Report) Summary() string {
	errs, warns := 0, 0
	if r.Errors != nil {
		errs, warns = r.Errors.Errors(), r.Errors.Warnings()
	}
	errs += len(r.SinkErrors)

	switch {
	case r.Status == types.RunStatusCancelled:
		return fmt.Sprintf("cancelled during %s, run aborted; manifest unchanged", r.FailedStep)
	case r.Fatal != nil:
		return fmt.Sprintf("fatal, run aborted: %v", r.Fatal)
	case r.Status == types.RunStatusFailed:
		return fmt.Sprintf("failed in %s: %d files deployed, %d errors / %d warnings; manifest unchanged",
			r.FailedStep, r.deployedFiles(), errs, warns)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "completed with %d errors / %d warnings", errs, warns)
	fmt.Fprintf(&b, " (%d deployed, %d removed", r.deployedFiles(), r.removedFiles())
	if r.Plan != nil {
		fmt.Fprintf(&b, ", %d unchanged", len(r.Plan.Unchanged))
	}
	b.WriteString(")")
	return b.String()
}

// Step returns the report of one step, if it was reached
func (r *Report) Step(step types.PipelineStep) (StepReport, bool) {
	for _, s := range r.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepReport{}, false
}
