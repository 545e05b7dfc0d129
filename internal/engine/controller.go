package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/poltergeist/deployer/internal/compiler"
	dcontext "github.com/poltergeist/deployer/pkg/context"
	"github.com/poltergeist/deployer/pkg/diff"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/rules"
	"github.com/poltergeist/deployer/pkg/types"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same controller has not finished
var ErrRunInProgress = errors.New("a deployment run is already in progress")

// Controller sequences the pipeline steps of a deployment. One controller
// serves one environment; runs never overlap.
type Controller struct {
	config    *types.DeployConfig
	deps      Dependencies
	deployer  *rules.Deployer
	scheduler *compiler.Scheduler
	logger    logger.Logger
	cores     int

	mu      sync.Mutex
	running bool
}

// NewController creates a controller with explicit dependencies
func NewController(config *types.DeployConfig, deps Dependencies, log logger.Logger) (*Controller, error) {
	if log == nil {
		log = logger.Discard()
	}
	if config == nil {
		return nil, fmt.Errorf("missing configuration")
	}
	if deps.Rules == nil {
		return nil, fmt.Errorf("missing required dependency: Rules")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("missing required dependency: Store")
	}
	if deps.Files == nil {
		return nil, fmt.Errorf("missing required dependency: Files")
	}
	if deps.Worker == nil && len(config.Compiler.Extensions) > 0 {
		return nil, fmt.Errorf("missing required dependency: Worker")
	}
	if deps.Progress == nil {
		deps.Progress = noopProgress{}
	}

	c := &Controller{
		config:   config,
		deps:     deps,
		deployer: rules.NewDeployer(deps.Rules, config.SourceDir, config.TargetDir, log),
		logger:   log,
		cores:    runtime.NumCPU(),
	}
	if deps.Worker != nil {
		c.scheduler = compiler.NewScheduler(deps.Worker, c.workDir(), log)
	}
	return c, nil
}

func (c *Controller) workDir() string {
	if c.config.WorkDir != "" {
		return c.config.WorkDir
	}
	return filepath.Join(c.config.GetStateDir(), "work")
}

// Run executes one deployment. The report is nil only when another run
// is in progress (ErrRunInProgress). Otherwise the error is non-nil only
// when the run was aborted: types.ErrCancelled on
// cancellation, a *types.FatalError otherwise. A run that finished every
// file but saw sink failures reports RunStatusFailed with a nil error.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	env := c.config.GetEnvironment()
	ctx = dcontext.EnrichContext(ctx, env)
	run := newRun(dcontext.GetRunID(ctx), env)
	log := logger.WithContext(ctx, c.logger)

	if c.deps.Notifier != nil {
		c.deps.Notifier.NotifyRunStart(env)
	}
	log.Info("Deployment started",
		logger.WithField("source", c.config.SourceDir),
		logger.WithField("target", c.config.TargetDir),
		logger.WithField("incremental", c.config.Incremental && !c.config.ForceFull))

	err := c.runSteps(ctx, run)
	written := err == nil
	if err == nil {
		run.Step = types.StepDone
		if err = c.saveManifest(run); err != nil {
			written = false
		} else {
			c.deps.Progress.OnStepChanged(types.StepDone, types.StepDone.Label())
		}
	}

	report := run.report(err, written)
	c.finish(log, report)

	if report.Status == types.RunStatusCancelled {
		return report, types.ErrCancelled
	}
	if report.Fatal != nil {
		return report, report.Fatal
	}
	return report, nil
}

func (c *Controller) finish(log logger.Logger, report *Report) {
	switch {
	case report.Status == types.RunStatusDone:
		log.Success("Deployment "+report.Summary(), logger.WithField("duration", report.Duration.Round(time.Millisecond)))
		if c.deps.Notifier != nil {
			c.deps.Notifier.NotifyRunSuccess(report.Environment, report.Duration, report.Summary())
		}
	case report.Status == types.RunStatusCancelled:
		log.Warn("Deployment " + report.Summary())
	default:
		log.Error("Deployment "+report.Summary(), logger.WithField("step", string(report.FailedStep)))
		if c.deps.Notifier != nil {
			c.deps.Notifier.NotifyRunFailure(report.Environment, errors.New(report.Summary()))
		}
	}
}

type pipelineStep struct {
	id      types.PipelineStep
	enabled bool
	run     func(ctx context.Context, run *PipelineRun, sr *StepReport) error
}

func (c *Controller) steps() []pipelineStep {
	pkg := c.config.Packaging
	if pkg == nil {
		pkg = &types.PackagingConfig{}
	}
	return []pipelineStep{
		{types.StepListing, true, c.listing},
		{types.StepCopyingReference, c.config.ReferenceDir != "", c.copyReference},
		{types.StepCompilation, true, c.compilation},
		{types.StepDeployRCode, true, func(ctx context.Context, run *PipelineRun, sr *StepReport) error {
			return c.deploy(ctx, run, types.StepDeployRCode, run.rcode, sr)
		}},
		{types.StepDeployFile, true, func(ctx context.Context, run *PipelineRun, sr *StepReport) error {
			return c.deploy(ctx, run, types.StepDeployFile, run.files, sr)
		}},
		{types.StepCopyingFinalPackageToDistant, pkg.CopyToDistant, c.copyToDistant},
		{types.StepBuildingWebclientDiffs, pkg.DiffArchive != "", c.buildDiffArchive},
		{types.StepBuildingWebclientCompleteCab, pkg.CompleteArchive != "", c.buildCompleteArchive},
	}
}

// runSteps runs each enabled step in order. A step only starts when the
// previous one succeeded or was skipped and the run is not cancelled.
func (c *Controller) runSteps(ctx context.Context, run *PipelineRun) error {
	for _, s := range c.steps() {
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		if !s.enabled {
			run.steps = append(run.steps, StepReport{Step: s.id, Skipped: true})
			continue
		}

		run.Step = s.id
		c.deps.Progress.OnStepChanged(s.id, s.id.Label())
		c.deps.Progress.OnProgress(0)

		stepCtx := dcontext.WithStep(ctx, string(s.id))
		sr := StepReport{Step: s.id}
		start := time.Now()
		err := s.run(stepCtx, run, &sr)
		sr.Duration = time.Since(start)
		run.steps = append(run.steps, sr)

		logger.WithContext(stepCtx, c.logger).Debug("Step finished",
			logger.WithField("files", sr.Files),
			logger.WithField("failed", sr.Failed),
			logger.WithField("duration", sr.Duration.Round(time.Millisecond)))

		if err != nil {
			if ctx.Err() != nil {
				return types.ErrCancelled
			}
			return err
		}
		c.deps.Progress.OnProgress(1)
	}
	if ctx.Err() != nil {
		return types.ErrCancelled
	}
	return nil
}

// Plan lists the source tree and compares it against the stored manifest
// without side effects
func (c *Controller) Plan(ctx context.Context) (*diff.Result, error) {
	previous := c.loadPrevious(c.logger)
	snapshot, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return diff.Plan(snapshot, previous, c.forceFull()), nil
}

func (c *Controller) forceFull() bool {
	return c.config.ForceFull || !c.config.Incremental
}

func (c *Controller) loadPrevious(log logger.Logger) *manifest.Manifest {
	previous, err := c.deps.Store.Load(c.config.GetEnvironment())
	switch {
	case errors.Is(err, types.ErrNoPreviousManifest):
		log.Info("No previous manifest, deploying everything")
		return nil
	case err != nil:
		log.Warn("Previous manifest unreadable, deploying everything", logger.WithError(err))
		return nil
	}
	return previous
}

func (c *Controller) snapshot(ctx context.Context) (*diff.Snapshot, error) {
	return diff.TakeSnapshot(ctx, c.config.SourceDir, diff.SnapshotOptions{
		Recursive:   c.config.IsRecursive(),
		ExcludeDirs: c.excludedDirs(),
		Fingerprint: manifest.FingerprinterFor(c.config.GetFingerprintPolicy()),
		Filter:      c.Tracks,
	})
}

// Tracks reports whether a change to the source-relative path can affect a
// deployment
func (c *Controller) Tracks(rel string) bool {
	return c.compilable(rel) || c.deps.Rules.MatchesAny(rel)
}

// ExcludedDirs returns the source-relative directories never listed
func (c *Controller) ExcludedDirs() []string {
	return c.excludedDirs()
}

// excludedDirs adds the state and work directories when they live inside
// the source tree
func (c *Controller) excludedDirs() []string {
	dirs := append([]string(nil), c.config.ExcludeDirs...)
	for _, dir := range []string{c.config.GetStateDir(), c.workDir()} {
		rel, err := filepath.Rel(c.config.SourceDir, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		dirs = append(dirs, filepath.ToSlash(rel))
	}
	return lo.Uniq(dirs)
}

func (c *Controller) compilable(rel string) bool {
	return hasExtension(rel, c.config.Compiler.Extensions)
}

func (c *Controller) isClassFile(rel string) bool {
	return hasExtension(rel, c.config.Compiler.ClassExtensions)
}

func hasExtension(rel string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if ext == "" {
		return false
	}
	return lo.ContainsBy(exts, func(e string) bool {
		return strings.EqualFold("."+strings.TrimPrefix(e, "."), ext)
	})
}
