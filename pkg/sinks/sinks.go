// Package sinks executes resolved transfers: local file operations,
// archive writes and uploads.
package sinks

//go:generate mockgen -destination=../mocks/mock_sinks.go -package=mocks github.com/poltergeist/deployer/pkg/sinks Archiver,Transfer

import (
	"context"
)

// Entry is one file added to an archive
type Entry struct {
	SourcePath  string
	ArchivePath string
}

// Archiver writes entries into the archive registered under an id
type Archiver interface {
	AddEntries(ctx context.Context, archiveID string, entries []Entry) error
	// Path returns the local file of an archive id
	Path(archiveID string) (string, error)
}

// Transfer uploads a local file to a remote location
type Transfer interface {
	Upload(ctx context.Context, localPath, remotePath string) error
}
