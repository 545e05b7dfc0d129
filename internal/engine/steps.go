package engine

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/diff"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/rules"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

// listing snapshots the source tree, plans against the previous manifest
// and queues compile units, file transfers and removals
func (c *Controller) listing(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	log := logger.WithContext(ctx, c.logger)

	run.previous = c.loadPrevious(log)
	snapshot, err := c.snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		return &types.FatalError{Step: types.StepListing, Cause: err}
	}
	run.snapshot = snapshot
	run.plan = diff.Plan(snapshot, run.previous, c.forceFull())
	sr.Files = snapshot.Len()

	for _, f := range snapshot.Files {
		if !run.plan.ShouldProcess(f.Path) {
			continue
		}
		if c.compilable(f.Path) {
			run.toCompile = append(run.toCompile, types.FileToCompile{
				SourcePath:   f.AbsPath,
				RelativePath: f.Path,
				IsClassFile:  c.isClassFile(f.Path),
			})
		}
		run.files = append(run.files, c.deployer.Resolve(f.Path, types.StepDeployFile)...)
	}

	for _, p := range run.plan.ToRemove {
		source := run.plan.GeneratedFrom(p)
		removals := c.deployer.Removals(p, source)
		if source != "" {
			run.rcode = append(run.rcode, removals...)
		} else {
			run.files = append(run.files, removals...)
		}
	}

	log.Info("Source tree listed",
		logger.WithField("files", snapshot.Len()),
		logger.WithField("to_process", len(run.plan.ToProcess)),
		logger.WithField("to_remove", len(run.plan.ToRemove)),
		logger.WithField("unchanged", len(run.plan.Unchanged)),
		logger.WithField("to_compile", len(run.toCompile)),
		logger.WithField("full", run.plan.Full))
	return nil
}

// copyReference seeds the target directory with the reference tree
func (c *Controller) copyReference(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	copied, err := sinks.CopyTree(ctx, c.config.ReferenceDir, c.config.TargetDir)
	sr.Files = len(copied)
	if err != nil {
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		return &stepError{Step: types.StepCopyingReference, Cause: err}
	}
	logger.WithContext(ctx, c.logger).Info("Reference files copied", logger.WithField("files", len(copied)))
	return nil
}

// compilation runs the compile units through the scheduler and queues the
// artifacts of every source that compiled cleanly for DeployRCode
func (c *Controller) compilation(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	sr.Files = len(run.toCompile)
	if len(run.toCompile) == 0 {
		return nil
	}

	workers := compiler.MaxWorkers(c.config.Compiler, c.cores)
	batch, err := c.scheduler.RunBatch(ctx, run.toCompile, workers)
	if err != nil {
		if errors.Is(err, types.ErrCancelled) {
			return err
		}
		return &types.FatalError{Step: types.StepCompilation, Cause: err}
	}
	run.batch = batch
	run.errors.Merge(batch.Errors)

	previous := generatedBySource(run.previous)
	for _, f := range run.toCompile {
		src := f.RelativePath
		if !batch.Succeeded(src) {
			sr.Failed++
			continue
		}

		for _, artifact := range batch.Artifacts[src] {
			run.produced[src] = append(run.produced[src], rules.SyntheticArtifactPath(src, artifact.ArtifactPath))
			run.rcode = append(run.rcode, c.deployer.ArtifactsOf(artifact)...)
		}

		// Artifacts the source no longer produces are removed like
		// deleted files
		for _, stale := range previous[src] {
			if lo.Contains(run.produced[src], stale.Path) {
				continue
			}
			run.rcode = append(run.rcode, c.deployer.Removals(stale.Path, src)...)
		}
	}
	return nil
}

// saveManifest records the deployed state: listed sources that did not fail
// to compile, the artifacts compiled in this run and the artifacts carried
// over from unchanged sources. A failed source that an earlier run deployed
// keeps its entry without a fingerprint, so the next run retries it and a
// later removal still deletes its artifacts.
func (c *Controller) saveManifest(run *PipelineRun) error {
	m := c.buildManifest(run)
	if err := c.deps.Store.Save(run.Environment, m); err != nil {
		return &types.FatalError{Step: types.StepDone, Cause: err}
	}
	return nil
}

func (c *Controller) buildManifest(run *PipelineRun) *manifest.Manifest {
	compiled := lo.SliceToMap(run.toCompile, func(f types.FileToCompile) (string, bool) {
		return f.RelativePath, true
	})
	previous := generatedBySource(run.previous)

	var entries []manifest.Entry
	for _, f := range run.snapshot.Files {
		if run.errors.HasErrors(f.Path) {
			if _, ok := run.previous.Lookup(f.Path); ok {
				entries = append(entries, manifest.Entry{Path: f.Path})
				entries = append(entries, previous[f.Path]...)
			}
			continue
		}
		entries = append(entries, manifest.Entry{Path: f.Path, Fingerprint: f.Fingerprint})

		if compiled[f.Path] {
			for _, p := range run.produced[f.Path] {
				entries = append(entries, manifest.Entry{Path: p, Source: f.Path})
			}
			continue
		}
		entries = append(entries, previous[f.Path]...)
	}
	return manifest.New(time.Now(), entries)
}

// generatedBySource groups the generated entries of m by source path
func generatedBySource(m *manifest.Manifest) map[string][]manifest.Entry {
	if m == nil {
		return nil
	}
	generated := lo.Filter(m.Files, func(e manifest.Entry, _ int) bool {
		return e.IsGenerated()
	})
	return lo.GroupBy(generated, func(e manifest.Entry) string {
		return e.Source
	})
}
