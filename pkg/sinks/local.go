package sinks

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// LocalSink performs move, copy and delete transfers on the local file system
type LocalSink struct {
	logger logger.Logger
}

// NewLocalSink creates a local file-system sink
func NewLocalSink(log logger.Logger) *LocalSink {
	if log == nil {
		log = logger.Discard()
	}
	return &LocalSink{logger: log}
}

// Apply executes one file-system transfer
func (s *LocalSink) Apply(ctx context.Context, f types.FileToDeploy) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	switch f.DeployType.Kind {
	case types.DeployCopy:
		err = CopyFile(f.SourcePath, f.TargetPath)
	case types.DeployMove:
		err = MoveFile(f.SourcePath, f.TargetPath)
	case types.DeployDelete:
		err = os.Remove(f.TargetPath)
		if os.IsNotExist(err) {
			s.logger.Debug("Delete target already gone", logger.WithField("path", f.TargetPath))
			err = nil
		}
	default:
		err = fmt.Errorf("not a file-system action")
	}

	if err != nil {
		return &types.SinkError{Path: f.TargetPath, Action: f.DeployType, Err: err}
	}
	return nil
}

// CopyFile copies src to dst, creating parent directories and keeping the
// source permissions
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	if err := destFile.Close(); err != nil {
		return err
	}

	info, err := sourceFile.Stat()
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

// MoveFile renames src to dst, falling back to copy and delete across devices
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyTree copies every regular file under src into dst and returns the
// relative paths copied
func CopyTree(ctx context.Context, src, dst string) ([]string, error) {
	var copied []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := CopyFile(path, filepath.Join(dst, rel)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		copied = append(copied, filepath.ToSlash(rel))
		return nil
	})
	return copied, err
}

// ListFiles returns the sorted slash-separated relative paths of every
// regular file under root
func ListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
