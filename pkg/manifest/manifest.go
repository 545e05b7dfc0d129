// Package manifest persists the record of the last completed deployment
// of each environment.
package manifest

import (
	"sort"
	"time"
)

// FormatVersion is the on-disk manifest format version
const FormatVersion = 1

// Entry is one deployed path. Sources carry a fingerprint; generated
// artifacts carry the source they were compiled from instead.
type Entry struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Source      string `json:"source,omitempty"`
}

// IsGenerated reports whether the entry is a compiled artifact
func (e Entry) IsGenerated() bool {
	return e.Source != ""
}

// Manifest is the path-sorted file list of a completed deployment
type Manifest struct {
	Version             int       `json:"version"`
	DeploymentTimestamp time.Time `json:"deploymentTimestamp"`
	Files               []Entry   `json:"files"`
}

// New builds a manifest from entries in any order. Entries are sorted by
// path; when a path repeats, the last entry wins.
func New(timestamp time.Time, entries []Entry) *Manifest {
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	files := make([]Entry, 0, len(byPath))
	for _, e := range byPath {
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return &Manifest{
		Version:             FormatVersion,
		DeploymentTimestamp: timestamp.UTC().Truncate(time.Second),
		Files:               files,
	}
}

// Lookup finds the entry recorded for path
func (m *Manifest) Lookup(path string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	i := sort.Search(len(m.Files), func(i int) bool {
		return m.Files[i].Path >= path
	})
	if i < len(m.Files) && m.Files[i].Path == path {
		return m.Files[i], true
	}
	return Entry{}, false
}

// Paths returns every recorded path in order
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.Files))
	for i, e := range m.Files {
		out[i] = e.Path
	}
	return out
}

// Len returns the number of entries
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Files)
}

// SameFiles reports whether both manifests record identical entries
func (m *Manifest) SameFiles(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.Files) != len(other.Files) {
		return false
	}
	for i := range m.Files {
		if m.Files[i] != other.Files[i] {
			return false
		}
	}
	return true
}
