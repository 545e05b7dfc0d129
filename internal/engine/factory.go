package engine

import (
	"fmt"
	"path/filepath"

	"github.com/poltergeist/deployer/internal/compiler"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/notifier"
	"github.com/poltergeist/deployer/pkg/rules"
	"github.com/poltergeist/deployer/pkg/sinks"
	"github.com/poltergeist/deployer/pkg/types"
)

// DependencyFactory creates default implementations of dependencies.
// This follows the dependency injection pattern and removes hidden
// concrete fallbacks from constructors.
type DependencyFactory struct {
	baseDir string
	logger  logger.Logger
	config  *types.DeployConfig
}

// NewDependencyFactory creates a new dependency factory. Relative paths in
// config (rule files, state dir, archives) are resolved against baseDir.
func NewDependencyFactory(baseDir string, log logger.Logger, config *types.DeployConfig) *DependencyFactory {
	if log == nil {
		log = logger.Discard()
	}
	return &DependencyFactory{
		baseDir: baseDir,
		logger:  log,
		config:  config,
	}
}

// CreateDefaults creates all default dependencies for a Controller
func (f *DependencyFactory) CreateDefaults() (Dependencies, error) {
	return f.CreateWithOverrides(Dependencies{})
}

// CreateWithOverrides creates dependencies, keeping every non-nil override.
// Defaults are only built for what is not overridden.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) (Dependencies, error) {
	deps := overrides
	var err error

	if deps.Rules == nil {
		if deps.Rules, err = f.createRules(); err != nil {
			return Dependencies{}, err
		}
	}
	if deps.Store == nil {
		deps.Store = manifest.NewStore(f.resolve(f.config.GetStateDir()), f.logger)
	}
	if deps.Files == nil {
		deps.Files = sinks.NewLocalSink(f.logger)
	}
	if deps.Worker == nil && len(f.config.Compiler.Extensions) > 0 {
		if deps.Worker, err = f.createWorker(); err != nil {
			return Dependencies{}, err
		}
	}
	if deps.Archiver == nil && len(f.config.Archives) > 0 {
		deps.Archiver = sinks.NewArchiveRegistry(f.config.Archives, f.baseDir, f.logger)
	}
	if deps.Transfer == nil && f.config.Transfer != nil {
		if deps.Transfer, err = f.createTransfer(); err != nil {
			return Dependencies{}, err
		}
	}
	if deps.Notifier == nil {
		deps.Notifier = f.createNotifier()
	}
	return deps, nil
}

// Individual factory methods for each dependency

func (f *DependencyFactory) createRules() (*rules.RuleSet, error) {
	if len(f.config.RuleFiles) == 0 {
		return nil, fmt.Errorf("no rule files configured")
	}
	paths := make([]string, len(f.config.RuleFiles))
	for i, p := range f.config.RuleFiles {
		paths[i] = f.resolve(p)
	}

	rs, err := rules.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	f.logger.Debug("Rules loaded", logger.WithField("rules", rs.Len()))
	return rs, nil
}

func (f *DependencyFactory) createWorker() (compiler.Worker, error) {
	w, err := compiler.NewProcessWorker(f.config.Compiler, f.resolve(f.config.SourceDir), f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler worker: %w", err)
	}
	return w, nil
}

func (f *DependencyFactory) createTransfer() (sinks.Transfer, error) {
	t, err := sinks.NewTransfer(f.config.Transfer)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer client: %w", err)
	}
	return t, nil
}

func (f *DependencyFactory) createNotifier() Notifier {
	cfg := f.config.Notifications
	if cfg == nil || cfg.Enabled == nil || !*cfg.Enabled {
		return nil
	}
	return notifier.New(notifier.Config{
		Enabled:      true,
		SuccessSound: cfg.SuccessSound,
		FailureSound: cfg.FailureSound,
	}, f.logger)
}

func (f *DependencyFactory) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.baseDir, p)
}
