package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

// copyToDistant uploads every archive written during the run
func (c *Controller) copyToDistant(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	ids := lo.Keys(run.archives)
	sort.Strings(ids)
	sr.Files = len(ids)
	if len(ids) == 0 {
		return nil
	}
	if c.deps.Archiver == nil {
		return &stepError{Step: types.StepCopyingFinalPackageToDistant, Cause: types.ErrUnsupportedArchive}
	}

	uploads := make([]sinks.Upload, 0, len(ids))
	for _, id := range ids {
		local, err := c.deps.Archiver.Path(id)
		if err != nil {
			return &stepError{Step: types.StepCopyingFinalPackageToDistant, Cause: err}
		}
		uploads = append(uploads, sinks.Upload{
			LocalPath:  local,
			RemotePath: path.Join(c.config.Packaging.DistantDir, filepath.Base(local)),
		})
	}

	log := logger.WithContext(ctx, c.logger)
	failed := 0
	for i, err := range c.upload(ctx, uploads) {
		if err != nil {
			failed++
			run.sinkErrors = append(run.sinkErrors, err)
			log.Error("Package upload failed", logger.WithField("archive", ids[i]), logger.WithError(err))
		}
	}
	if ctx.Err() != nil {
		return types.ErrCancelled
	}
	sr.Failed = failed
	if failed > 0 {
		return &stepError{Step: types.StepCopyingFinalPackageToDistant, Failed: failed}
	}
	return nil
}

// buildDiffArchive packs the files written to the target directory in this
// run into a fresh archive
func (c *Controller) buildDiffArchive(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	var files []string
	for _, f := range run.deployed {
		if f.DeployType.Kind == types.DeployMove || f.DeployType.Kind == types.DeployCopy {
			files = append(files, f.TargetPath)
		}
	}
	return c.buildPackage(ctx, types.StepBuildingWebclientDiffs, c.config.Packaging.DiffArchive, lo.Uniq(files), sr)
}

// buildCompleteArchive packs everything under the target directory
func (c *Controller) buildCompleteArchive(ctx context.Context, run *PipelineRun, sr *StepReport) error {
	files, err := sinks.ListFiles(c.config.TargetDir)
	if err != nil {
		return &stepError{Step: types.StepBuildingWebclientCompleteCab, Cause: err}
	}
	files = lo.Map(files, func(rel string, _ int) string {
		return filepath.Join(c.config.TargetDir, filepath.FromSlash(rel))
	})
	return c.buildPackage(ctx, types.StepBuildingWebclientCompleteCab, c.config.Packaging.CompleteArchive, files, sr)
}

func (c *Controller) buildPackage(ctx context.Context, step types.PipelineStep, archiveID string, files []string, sr *StepReport) error {
	if c.deps.Archiver == nil {
		return &stepError{Step: step, Cause: types.ErrUnsupportedArchive}
	}
	archivePath, err := c.deps.Archiver.Path(archiveID)
	if err != nil {
		return &stepError{Step: step, Cause: err}
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return &stepError{Step: step, Cause: fmt.Errorf("failed to reset package: %w", err)}
	}

	var entries []sinks.Entry
	for _, f := range files {
		if c.isPackage(f) {
			continue
		}
		entries = append(entries, sinks.Entry{SourcePath: f, ArchivePath: c.targetRelative(f)})
	}
	sr.Files = len(entries)
	if len(entries) == 0 {
		logger.WithContext(ctx, c.logger).Info("Nothing to package", logger.WithField("archive", archiveID))
		return nil
	}

	if err := c.deps.Archiver.AddEntries(ctx, archiveID, entries); err != nil {
		if ctx.Err() != nil {
			return types.ErrCancelled
		}
		sr.Failed = len(entries)
		return &stepError{Step: step, Cause: err}
	}
	logger.WithContext(ctx, c.logger).Info("Package built",
		logger.WithField("archive", archiveID),
		logger.WithField("path", archivePath),
		logger.WithField("files", len(entries)))
	return nil
}

// isPackage reports whether file is one of the configured package archives
func (c *Controller) isPackage(file string) bool {
	pkg := c.config.Packaging
	for _, id := range []string{pkg.DiffArchive, pkg.CompleteArchive} {
		if id == "" {
			continue
		}
		if p, err := c.deps.Archiver.Path(id); err == nil && filepath.Clean(p) == filepath.Clean(file) {
			return true
		}
	}
	return false
}

// targetRelative maps a deployed file to its path inside a package
func (c *Controller) targetRelative(file string) string {
	rel, err := filepath.Rel(c.config.TargetDir, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(file)
	}
	return filepath.ToSlash(rel)
}
