package compiler

import (
	"path/filepath"
	"strings"

	"github.com/poltergeist/deployer/pkg/types"
)

// Lookup maps the names a worker may report for a source (absolute path,
// relative path, bare file name) back to its relative path. A Lookup is
// built for one batch and dropped with it.
type Lookup struct {
	exact map[string]string
	bare  map[string]string
	// bare names shared by several sources are never resolved
	ambiguous map[string]bool
}

// NewLookup indexes files by every name a worker might use
func NewLookup(files []types.FileToCompile) *Lookup {
	l := &Lookup{
		exact:     make(map[string]string, len(files)*2),
		bare:      make(map[string]string, len(files)),
		ambiguous: make(map[string]bool),
	}
	for _, f := range files {
		rel := filepath.ToSlash(f.RelativePath)
		l.exact[lookupKey(rel)] = rel
		if f.SourcePath != "" {
			l.exact[lookupKey(f.SourcePath)] = rel
		}

		base := lookupKey(filepath.Base(rel))
		if existing, ok := l.bare[base]; ok && existing != rel {
			l.ambiguous[base] = true
		}
		l.bare[base] = rel
	}
	return l
}

// Resolve returns the relative path of a reported source name
func (l *Lookup) Resolve(name string) (string, bool) {
	key := lookupKey(name)
	if rel, ok := l.exact[key]; ok {
		return rel, true
	}
	if l.ambiguous[key] {
		return "", false
	}
	rel, ok := l.bare[key]
	return rel, ok
}

func lookupKey(name string) string {
	return strings.ToLower(filepath.ToSlash(filepath.Clean(name)))
}
