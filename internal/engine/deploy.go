package engine

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

// deploy executes queued transfers through the sinks. A failing file is
// recorded and the remaining files still run; the step fails once all of
// them have been attempted.
//
// Archive and transfer records run before file-system records so that a
// move of a source does not hide it from the archiver or uploader.
func (c *Controller) deploy(ctx context.Context, run *PipelineRun, step types.PipelineStep, records []types.FileToDeploy, sr *StepReport) error {
	log := logger.WithContext(ctx, c.logger)
	sr.Files = len(records)
	progress := &tracker{reporter: c.deps.Progress, total: len(records)}

	failed := 0
	record := func(f types.FileToDeploy, err error) {
		if err == nil {
			run.deployed = append(run.deployed, f)
			return
		}
		failed++
		run.sinkErrors = append(run.sinkErrors, err)
		log.Error("Transfer failed", logger.WithField("file", f.RelativePath), logger.WithError(err))
	}

	archived := lo.GroupBy(lo.Filter(records, func(f types.FileToDeploy, _ int) bool {
		return f.DeployType.IsArchive()
	}), func(f types.FileToDeploy) string {
		return f.DeployType.ArchiveID
	})
	ids := lo.Keys(archived)
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		group := archived[id]
		err := c.addToArchive(ctx, id, group)
		if err == nil {
			run.archives[id] = true
		}
		for _, f := range group {
			record(f, sinkError(f, err))
		}
		progress.advance(len(group))
	}

	uploads := lo.Filter(records, func(f types.FileToDeploy, _ int) bool {
		return f.DeployType.Kind == types.DeployFtp
	})
	if len(uploads) > 0 {
		errs := c.upload(ctx, lo.Map(uploads, func(f types.FileToDeploy, _ int) sinks.Upload {
			return sinks.Upload{LocalPath: f.SourcePath, RemotePath: f.TargetPath}
		}))
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		for i, f := range uploads {
			record(f, errs[i])
		}
		progress.advance(len(uploads))
	}

	for _, f := range records {
		if !f.DeployType.IsFileSystem() {
			continue
		}
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		record(f, c.deps.Files.Apply(ctx, f))
		progress.advance(1)
	}

	sr.Failed = failed
	if failed > 0 {
		return &stepError{Step: step, Failed: failed}
	}
	return nil
}

func (c *Controller) addToArchive(ctx context.Context, id string, records []types.FileToDeploy) error {
	if c.deps.Archiver == nil {
		return types.ErrUnsupportedArchive
	}
	entries := lo.Map(records, func(f types.FileToDeploy, _ int) sinks.Entry {
		return sinks.Entry{SourcePath: f.SourcePath, ArchivePath: f.TargetPath}
	})
	return c.deps.Archiver.AddEntries(ctx, id, entries)
}

// upload returns one error slot per upload
func (c *Controller) upload(ctx context.Context, uploads []sinks.Upload) []error {
	if c.deps.Transfer == nil {
		return lo.Map(uploads, func(u sinks.Upload, _ int) error {
			return &types.SinkError{Path: u.RemotePath, Action: types.DeployType{Kind: types.DeployFtp}, Err: types.ErrNoTransfer}
		})
	}
	parallelism := 0
	if c.config.Transfer != nil {
		parallelism = c.config.Transfer.Parallelism
	}
	return sinks.UploadAll(ctx, c.deps.Transfer, uploads, parallelism, c.logger)
}

func sinkError(f types.FileToDeploy, err error) error {
	if err == nil {
		return nil
	}
	return &types.SinkError{Path: f.TargetPath, Action: f.DeployType, Err: err}
}
