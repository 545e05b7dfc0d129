package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/poltergeist/deployer/internal/engine"
	"github.com/poltergeist/deployer/internal/watcher"
	"github.com/poltergeist/deployer/pkg/config"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/process"
	"github.com/poltergeist/deployer/pkg/types"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var settleMs int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Deploy incrementally whenever the source tree changes",
		Long: `Run one deployment, then watch the source tree and run an incremental
deployment each time it settles after a change. The configuration file is
reloaded when it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), settleMs)
		},
	}

	cmd.Flags().String("env", "", "target environment (default: the config's environment)")
	cmd.Flags().IntVar(&settleMs, "settle", int(watcher.DefaultSettlingDelay.Milliseconds()), "quiet period in milliseconds before a run")

	return cmd
}

// watchSession owns the controller used by watch mode. A config reload
// swaps it between runs.
type watchSession struct {
	cli     *CLI
	baseDir string
	logger  logger.Logger

	mu     sync.Mutex
	config *types.DeployConfig
	ctrl   *engine.Controller
}

func (s *watchSession) current() (*types.DeployConfig, *engine.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, s.ctrl
}

func (s *watchSession) deploy(ctx context.Context) {
	_, ctrl := s.current()
	report, err := ctrl.Run(ctx)
	if report != nil {
		s.cli.printReport(report)
	}
	if err != nil && !errors.Is(err, types.ErrCancelled) {
		s.cli.printError(err.Error())
	}
}

func (s *watchSession) reload(cfg *types.DeployConfig, err error) {
	if err != nil {
		s.cli.printWarning(fmt.Sprintf("Configuration not reloaded: %v", err))
		return
	}
	s.cli.applyOverrides(cfg)

	old, _ := s.current()
	ctrl, err := s.cli.newController(cfg, s.baseDir, s.logger, newProgressPrinter(s.cli.output))
	if err != nil {
		s.cli.printWarning(fmt.Sprintf("Configuration not applied: %v", err))
		return
	}
	if cfg.SourceDir != old.SourceDir {
		s.cli.printWarning("sourceDir changed; restart watch to follow the new tree")
	}

	s.mu.Lock()
	s.config, s.ctrl = cfg, ctrl
	s.mu.Unlock()
	s.cli.printInfo("Configuration reloaded")
}

func (c *CLI) runWatch(ctx context.Context, settleMs int) error {
	cfg, baseDir, err := c.loadDeployConfig()
	if err != nil {
		return err
	}
	log := c.newLogger(cfg)

	pm := process.NewManager(log)
	ctx = pm.Start(ctx)
	defer pm.Stop()

	ctrl, err := c.newController(cfg, baseDir, log, newProgressPrinter(c.output))
	if err != nil {
		return err
	}
	session := &watchSession{cli: c, baseDir: baseDir, logger: log, config: cfg, ctrl: ctrl}

	configPath, err := c.configPath()
	if err != nil {
		return err
	}
	reloader := config.NewReloadManager(configPath, log)
	reloader.AddCallback(session.reload)
	if err := reloader.StartWatching(); err != nil {
		c.printWarning(fmt.Sprintf("Configuration changes will not be picked up: %v", err))
	} else {
		defer reloader.StopWatching()
	}

	w, err := watcher.New(watcher.Options{
		Root:        cfg.SourceDir,
		Recursive:   cfg.IsRecursive(),
		ExcludeDirs: ctrl.ExcludedDirs(),
		Filter: func(rel string) bool {
			_, current := session.current()
			return current.Tracks(rel)
		},
		Settling: time.Duration(settleMs) * time.Millisecond,
	}, log)
	if err != nil {
		return err
	}

	c.printInfo(fmt.Sprintf("Watching %s (%s)", cfg.SourceDir, cfg.GetEnvironment()))
	session.deploy(ctx)

	err = w.Run(ctx, func(ctx context.Context, changed []string) {
		c.printInfo(fmt.Sprintf("%d changed paths", len(changed)))
		session.deploy(ctx)
	})
	c.printSuccess("Stopped watching")
	return err
}
