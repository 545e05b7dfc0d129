package sinks

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// ArchiveRegistry resolves archive ids to their configured codec
type ArchiveRegistry struct {
	archives map[string]types.ArchiveConfig
	baseDir  string
	logger   logger.Logger

	mu      sync.Mutex
	touched map[string]bool
}

// NewArchiveRegistry creates a registry. Relative archive paths are
// resolved against baseDir.
func NewArchiveRegistry(archives map[string]types.ArchiveConfig, baseDir string, log logger.Logger) *ArchiveRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &ArchiveRegistry{
		archives: archives,
		baseDir:  baseDir,
		logger:   log,
		touched:  make(map[string]bool),
	}
}

// Path returns the local file of an archive id
func (r *ArchiveRegistry) Path(archiveID string) (string, error) {
	cfg, ok := r.archives[archiveID]
	if !ok {
		return "", fmt.Errorf("%w: %q is not configured", types.ErrUnsupportedArchive, archiveID)
	}
	if filepath.IsAbs(cfg.Path) {
		return cfg.Path, nil
	}
	return filepath.Join(r.baseDir, cfg.Path), nil
}

// AddEntries writes entries into the archive. Entries replace any
// existing entry with the same archive path.
func (r *ArchiveRegistry) AddEntries(ctx context.Context, archiveID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	archivePath, err := r.Path(archiveID)
	if err != nil {
		return err
	}

	cfg := r.archives[archiveID]
	switch cfg.Format {
	case types.ArchiveFormatZip, "":
		err = writeZip(ctx, archivePath, entries)
	case types.ArchiveFormatCommand:
		err = r.runCommand(ctx, cfg, archivePath, entries)
	default:
		err = fmt.Errorf("%w: format %q", types.ErrUnsupportedArchive, cfg.Format)
	}
	if err != nil {
		return fmt.Errorf("archive %s: %w", archiveID, err)
	}

	r.mu.Lock()
	r.touched[archiveID] = true
	r.mu.Unlock()

	r.logger.Debug("Archive updated",
		logger.WithField("archive", archiveID),
		logger.WithField("entries", len(entries)))
	return nil
}

// Touched returns the ids of the archives written since creation
func (r *ArchiveRegistry) Touched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.touched))
	for id := range r.touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// runCommand hands the entries to an external tool through a list file of
// "<source>\t<archivePath>" lines
func (r *ArchiveRegistry) runCommand(ctx context.Context, cfg types.ArchiveConfig, archivePath string, entries []Entry) error {
	if cfg.Command == "" {
		return fmt.Errorf("%w: no command configured", types.ErrUnsupportedArchive)
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}

	list, err := os.CreateTemp("", "archive-*.lst")
	if err != nil {
		return err
	}
	defer os.Remove(list.Name())

	for _, e := range entries {
		fmt.Fprintf(list, "%s\t%s\n", e.SourcePath, e.ArchivePath)
	}
	if err := list.Close(); err != nil {
		return err
	}

	return runTemplate(ctx, cfg.Command, map[string]string{
		"archive": archivePath,
		"list":    list.Name(),
	})
}

// writeZip rewrites the zip at archivePath with its previous entries plus
// entries, then swaps it into place
func writeZip(ctx context.Context, archivePath string, entries []Entry) error {
	replaced := make(map[string]bool, len(entries))
	for _, e := range entries {
		replaced[zipName(e.ArchivePath)] = true
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}
	tempFile := archivePath + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	if err := copyZipEntries(zw, archivePath, replaced); err != nil {
		out.Close()
		os.Remove(tempFile)
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tempFile)
			return err
		}
		if err := addZipFile(zw, e); err != nil {
			out.Close()
			os.Remove(tempFile)
			return fmt.Errorf("failed to add %s: %w", e.SourcePath, err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tempFile)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}
	if err := os.Rename(tempFile, archivePath); err != nil {
		os.Remove(tempFile)
		return err
	}
	return nil
}

func copyZipEntries(zw *zip.Writer, archivePath string, skip map[string]bool) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open existing archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if skip[f.Name] {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return err
		}
	}
	return nil
}

func addZipFile(zw *zip.Writer, e Entry) error {
	src, err := os.Open(e.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = zipName(e.ArchivePath)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func zipName(p string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
}
