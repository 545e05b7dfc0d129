package types

import (
	"sort"
)

type errorKey struct {
	sourcePath  string
	line        int
	errorNumber int
	message     string
}

// ErrorSet aggregates FileErrors by source path. Adding a diagnostic
// identical to a known one increments its Times instead of appending.
// An ErrorSet is owned by a single goroutine.
type ErrorSet struct {
	byKey  map[errorKey]*FileError
	bySrc  map[string][]*FileError
	counts [3]int
}

// NewErrorSet creates an empty error set
func NewErrorSet() *ErrorSet {
	return &ErrorSet{
		byKey: make(map[errorKey]*FileError),
		bySrc: make(map[string][]*FileError),
	}
}

// Add records a diagnostic
func (s *ErrorSet) Add(e FileError) {
	times := e.Times
	if times <= 0 {
		times = 1
	}

	key := errorKey{e.SourcePath, e.Line, e.ErrorNumber, e.Message}
	if existing, ok := s.byKey[key]; ok {
		existing.Times += times
		if e.Level > existing.Level {
			s.counts[existing.Level]--
			existing.Level = e.Level
			s.counts[existing.Level]++
		}
		return
	}

	stored := e
	stored.Times = times
	s.byKey[key] = &stored
	s.bySrc[e.SourcePath] = append(s.bySrc[e.SourcePath], &stored)
	s.counts[stored.Level]++
}

// Merge adds every diagnostic of other into s
func (s *ErrorSet) Merge(other *ErrorSet) {
	if other == nil {
		return
	}
	for _, e := range other.All() {
		s.Add(e)
	}
}

// For returns the diagnostics recorded for a source path
func (s *ErrorSet) For(sourcePath string) []FileError {
	stored := s.bySrc[sourcePath]
	out := make([]FileError, 0, len(stored))
	for _, e := range stored {
		out = append(out, *e)
	}
	return out
}

// HasErrors reports whether the source has at least one error-level diagnostic
func (s *ErrorSet) HasErrors(sourcePath string) bool {
	for _, e := range s.bySrc[sourcePath] {
		if e.Level == LevelError {
			return true
		}
	}
	return false
}

// Sources returns the sorted source paths having diagnostics
func (s *ErrorSet) Sources() []string {
	out := make([]string, 0, len(s.bySrc))
	for src := range s.bySrc {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// All returns every diagnostic ordered by source path then line
func (s *ErrorSet) All() []FileError {
	var out []FileError
	for _, src := range s.Sources() {
		out = append(out, s.For(src)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourcePath != out[j].SourcePath {
			return out[i].SourcePath < out[j].SourcePath
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Len returns the number of distinct diagnostics
func (s *ErrorSet) Len() int {
	return len(s.byKey)
}

// Count returns the number of distinct diagnostics at a level
func (s *ErrorSet) Count(level ErrorLevel) int {
	return s.counts[level]
}

// Errors returns the number of distinct error-level diagnostics
func (s *ErrorSet) Errors() int {
	return s.counts[LevelError]
}

// Warnings returns the number of distinct warning diagnostics of any strength
func (s *ErrorSet) Warnings() int {
	return s.counts[LevelWarning] + s.counts[LevelStrongWarning]
}
