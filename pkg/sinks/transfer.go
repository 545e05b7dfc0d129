package sinks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/poltergeist/deployer/internal/workgroup"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// LocalTransfer "uploads" by copying below a root directory, for mounted
// shares and tests
type LocalTransfer struct {
	root string
}

// NewLocalTransfer creates a transfer that copies below root
func NewLocalTransfer(root string) *LocalTransfer {
	return &LocalTransfer{root: root}
}

// Upload copies localPath to root/remotePath
func (t *LocalTransfer) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(t.root, filepath.FromSlash(strings.TrimPrefix(remotePath, "/")))
	return CopyFile(localPath, dst)
}

// CommandTransfer delegates uploads to an external tool. The command
// template may use {local}, {remote} and {root}.
type CommandTransfer struct {
	command string
	root    string
}

// NewCommandTransfer creates a command-driven transfer
func NewCommandTransfer(command, remoteRoot string) *CommandTransfer {
	return &CommandTransfer{command: command, root: remoteRoot}
}

// Upload runs the command for one file
func (t *CommandTransfer) Upload(ctx context.Context, localPath, remotePath string) error {
	return runTemplate(ctx, t.command, map[string]string{
		"local":  localPath,
		"remote": strings.TrimSuffix(t.root, "/") + "/" + strings.TrimPrefix(remotePath, "/"),
		"root":   t.root,
	})
}

// NewTransfer builds the transfer client described by cfg; nil cfg yields nil
func NewTransfer(cfg *types.TransferConfig) (Transfer, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Kind {
	case types.TransferLocal, "":
		if cfg.RemoteRoot == "" {
			return nil, fmt.Errorf("local transfer requires remoteRoot")
		}
		return NewLocalTransfer(cfg.RemoteRoot), nil
	case types.TransferCommand:
		if cfg.Command == "" {
			return nil, fmt.Errorf("command transfer requires a command")
		}
		return NewCommandTransfer(cfg.Command, cfg.RemoteRoot), nil
	default:
		return nil, fmt.Errorf("unknown transfer kind: %q", cfg.Kind)
	}
}

// Upload is one pending upload
type Upload struct {
	LocalPath  string
	RemotePath string
}

// UploadAll runs uploads with at most parallelism in flight. The returned
// slice holds the error of each upload at its index.
func UploadAll(ctx context.Context, t Transfer, uploads []Upload, parallelism int, log logger.Logger) []error {
	errs := make([]error, len(uploads))
	finished := make([]bool, len(uploads))
	if parallelism <= 0 {
		parallelism = 4
	}

	g := workgroup.New(log)
	g.SetLimit(parallelism)
	for i, u := range uploads {
		g.Go(func() error {
			if err := t.Upload(ctx, u.LocalPath, u.RemotePath); err != nil {
				errs[i] = &types.SinkError{
					Path:   u.RemotePath,
					Action: types.DeployType{Kind: types.DeployFtp},
					Err:    err,
				}
			}
			finished[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i := range errs {
			if !finished[i] {
				errs[i] = err
			}
		}
	}
	return errs
}
