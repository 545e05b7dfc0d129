package diff

import (
	"sort"

	"github.com/samber/lo"

	"github.com/poltergeist/deployer/pkg/manifest"
)

// Class is the planner's verdict for one path
type Class int

const (
	Unknown Class = iota
	Process
	Remove
	Unchanged
)

func (c Class) String() string {
	switch c {
	case Process:
		return "process"
	case Remove:
		return "remove"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Result partitions every path of the current tree and of the previous
// manifest into exactly one of ToProcess, ToRemove and Unchanged.
// All three lists are path-sorted.
type Result struct {
	ToProcess []string
	ToRemove  []string
	Unchanged []string
	// Full is set when the previous manifest was ignored or absent
	Full bool

	classes map[string]Class
	sources map[string]string
}

// Plan compares the current snapshot against the previous manifest. With
// forceFull, or without a previous manifest, every current file is
// processed and nothing is removed.
func Plan(current *Snapshot, previous *manifest.Manifest, forceFull bool) *Result {
	r := &Result{
		classes: make(map[string]Class),
		sources: make(map[string]string),
	}

	if forceFull || previous == nil {
		r.Full = true
		for _, f := range current.Files {
			r.classes[f.Path] = Process
		}
		r.collect()
		return r
	}

	for _, f := range current.Files {
		prev, ok := previous.Lookup(f.Path)
		switch {
		case !ok, prev.IsGenerated(), prev.Fingerprint != f.Fingerprint:
			r.classes[f.Path] = Process
		default:
			r.classes[f.Path] = Unchanged
		}
	}

	// Entries recorded previously but missing from the listing. Generated
	// artifacts follow their source; everything else was removed.
	missing := lo.Filter(previous.Files, func(e manifest.Entry, _ int) bool {
		_, listed := current.Lookup(e.Path)
		return !listed
	})
	for _, e := range missing {
		if !e.IsGenerated() {
			r.classes[e.Path] = Remove
			continue
		}
		r.sources[e.Path] = e.Source
		switch r.classes[e.Source] {
		case Process:
			r.classes[e.Path] = Process
		case Unchanged:
			r.classes[e.Path] = Unchanged
		default:
			r.classes[e.Path] = Remove
		}
	}

	r.collect()
	return r
}

func (r *Result) collect() {
	for path, c := range r.classes {
		switch c {
		case Process:
			r.ToProcess = append(r.ToProcess, path)
		case Remove:
			r.ToRemove = append(r.ToRemove, path)
		case Unchanged:
			r.Unchanged = append(r.Unchanged, path)
		}
	}
	sort.Strings(r.ToProcess)
	sort.Strings(r.ToRemove)
	sort.Strings(r.Unchanged)
}

// Classify returns the verdict for path, Unknown if the planner never saw it
func (r *Result) Classify(path string) Class {
	return r.classes[path]
}

// ShouldProcess reports whether path is in ToProcess
func (r *Result) ShouldProcess(path string) bool {
	return r.classes[path] == Process
}

// GeneratedFrom returns the source a previously recorded artifact was
// compiled from, or "" for source files
func (r *Result) GeneratedFrom(path string) string {
	return r.sources[path]
}

// IsEmpty reports whether nothing has to be processed or removed
func (r *Result) IsEmpty() bool {
	return len(r.ToProcess) == 0 && len(r.ToRemove) == 0
}
