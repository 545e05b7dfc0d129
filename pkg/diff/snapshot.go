// Package diff snapshots the source tree and plans which paths an
// incremental deployment has to process or remove.
package diff

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/poltergeist/deployer/pkg/manifest"
)

// FileState is one listed source file
type FileState struct {
	Path        string
	AbsPath     string
	Fingerprint string
}

// Snapshot is the path-sorted listing of the source tree at one instant
type Snapshot struct {
	Root  string
	Files []FileState
	index map[string]int
}

// SnapshotOptions controls how the source tree is listed
type SnapshotOptions struct {
	Recursive   bool
	ExcludeDirs []string
	Fingerprint manifest.Fingerprinter
	// Filter keeps a relative path in the listing; nil keeps everything
	Filter func(relPath string) bool
}

// TakeSnapshot walks root and fingerprints every kept file. It reads only.
func TakeSnapshot(ctx context.Context, root string, opts SnapshotOptions) (*Snapshot, error) {
	fingerprint := opts.Fingerprint
	if fingerprint == nil {
		fingerprint = manifest.ModTimeFingerprint
	}

	excluded := make(map[string]bool, len(opts.ExcludeDirs))
	for _, d := range opts.ExcludeDirs {
		excluded[strings.Trim(filepath.ToSlash(d), "/")] = true
	}

	var files []FileState
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if !opts.Recursive || excluded[rel] || excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if opts.Filter != nil && !opts.Filter(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		fp, err := fingerprint(path, info)
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", rel, err)
		}

		files = append(files, FileState{Path: rel, AbsPath: path, Fingerprint: fp})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list source tree %s: %w", root, err)
	}

	return NewSnapshot(root, files), nil
}

// NewSnapshot builds a snapshot from already listed files
func NewSnapshot(root string, files []FileState) *Snapshot {
	sorted := make([]FileState, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	index := make(map[string]int, len(sorted))
	for i, f := range sorted {
		index[f.Path] = i
	}
	return &Snapshot{Root: root, Files: sorted, index: index}
}

// Lookup returns the listed state of relPath
func (s *Snapshot) Lookup(relPath string) (FileState, bool) {
	i, ok := s.index[relPath]
	if !ok {
		return FileState{}, false
	}
	return s.Files[i], true
}

// Paths returns every listed path in order
func (s *Snapshot) Paths() []string {
	out := make([]string, len(s.Files))
	for i, f := range s.Files {
		out[i] = f.Path
	}
	return out
}

// Len returns the number of listed files
func (s *Snapshot) Len() int {
	return len(s.Files)
}
