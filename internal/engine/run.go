package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/diff"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/types"
)

// PipelineRun is the state of one run. It is owned by the controller
// goroutine and dropped once the report is built.
type PipelineRun struct {
	ID          string
	Environment string
	Step        types.PipelineStep
	Started     time.Time

	snapshot *diff.Snapshot
	previous *manifest.Manifest
	plan     *diff.Result

	toCompile []types.FileToCompile
	rcode     []types.FileToDeploy
	files     []types.FileToDeploy

	batch *compiler.BatchResult
	// produced maps a compiled source to the synthetic paths of its artifacts
	produced map[string][]string

	errors     *types.ErrorSet
	sinkErrors []error
	deployed   []types.FileToDeploy
	archives   map[string]bool
	steps      []StepReport
}

func newRun(id, env string) *PipelineRun {
	return &PipelineRun{
		ID:          id,
		Environment: env,
		Step:        types.StepListing,
		Started:     time.Now(),
		produced:    make(map[string][]string),
		errors:      types.NewErrorSet(),
		archives:    make(map[string]bool),
	}
}

// stepError marks a mandatory step that could not complete. Unlike a
// FatalError it is raised after the step has processed every file.
type stepError struct {
	Step   types.PipelineStep
	Failed int
	Cause  error
}

func (e *stepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("%s failed for %d files", e.Step, e.Failed)
}

func (e *stepError) Unwrap() error { return e.Cause }

// report turns the run and the error that ended it into a Report
func (r *PipelineRun) report(err error, manifestWritten bool) *Report {
	rep := &Report{
		RunID:           r.ID,
		Environment:     r.Environment,
		Status:          types.RunStatusDone,
		Plan:            r.plan,
		Steps:           r.steps,
		Errors:          r.errors,
		SinkErrors:      r.sinkErrors,
		Deployed:        r.deployed,
		ManifestWritten: manifestWritten,
		Duration:        time.Since(r.Started),
	}
	if r.batch != nil {
		rep.WorkerFailures = r.batch.Failures
	}
	if err == nil {
		return rep
	}

	rep.FailedStep = r.Step
	var fatal *types.FatalError
	var failed *stepError
	switch {
	case errors.Is(err, types.ErrCancelled):
		rep.Status = types.RunStatusCancelled
	case errors.As(err, &failed):
		rep.Status = types.RunStatusFailed
		rep.FailedStep = failed.Step
	case errors.As(err, &fatal):
		rep.Status = types.RunStatusFailed
		rep.FailedStep = fatal.Step
		rep.Fatal = fatal
	default:
		rep.Status = types.RunStatusFailed
		rep.Fatal = &types.FatalError{Step: r.Step, Cause: err}
	}
	return rep
}

// tracker turns per-file completion into progress fractions of a step
type tracker struct {
	reporter ProgressReporter
	total    int
	done     int
}

func (t *tracker) advance(n int) {
	t.done += n
	if t.total > 0 {
		t.reporter.OnProgress(float64(t.done) / float64(t.total))
	}
}
