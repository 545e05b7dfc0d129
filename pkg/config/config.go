// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/poltergeist/deployer/pkg/types"
)

// DefaultConfigFiles are looked up, in order, when no config path is given
var DefaultConfigFiles = []string{"deployer.yaml", "deployer.yml", "deployer.json"}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// FindConfig returns the first default config file present in dir
func (m *Manager) FindConfig(dir string) (string, error) {
	for _, name := range DefaultConfigFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found in %s (looked for %s)", dir, strings.Join(DefaultConfigFiles, ", "))
}

// LoadConfig loads configuration from a JSON or YAML file. Relative paths
// in the file are resolved against the file's directory.
func (m *Manager) LoadConfig(path string) (*types.DeployConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := m.parse(path, data)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	ResolvePaths(cfg, base)

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) parse(path string, data []byte) (*types.DeployConfig, error) {
	var cfg types.DeployConfig

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		// Try JSON first
		jsonErr := json.Unmarshal(data, &cfg)
		if jsonErr == nil {
			return &cfg, nil
		}
		if ext == ".json" {
			return nil, fmt.Errorf("failed to parse config as JSON: %w", jsonErr)
		}
		cfg = types.DeployConfig{}
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
	}
	return &cfg, nil
}

// ResolvePaths makes every relative path of cfg absolute against base
func ResolvePaths(cfg *types.DeployConfig, base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	resolve(&cfg.SourceDir)
	resolve(&cfg.TargetDir)
	resolve(&cfg.ReferenceDir)
	if cfg.StateDir == "" {
		cfg.StateDir = cfg.GetStateDir()
	}
	resolve(&cfg.StateDir)
	resolve(&cfg.WorkDir)
	for i := range cfg.RuleFiles {
		resolve(&cfg.RuleFiles[i])
	}
	for id, a := range cfg.Archives {
		resolve(&a.Path)
		cfg.Archives[id] = a
	}
	if cfg.Logging != nil {
		resolve(&cfg.Logging.File)
	}
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(config *types.DeployConfig) error {
	// Check version
	if config.Version != "1.0" {
		return fmt.Errorf("unsupported config version: %s", config.Version)
	}

	if config.SourceDir == "" {
		return fmt.Errorf("sourceDir is required")
	}
	if config.TargetDir == "" {
		return fmt.Errorf("targetDir is required")
	}
	if len(config.RuleFiles) == 0 {
		return fmt.Errorf("no rule files defined")
	}

	switch config.GetFingerprintPolicy() {
	case types.FingerprintMTime, types.FingerprintContent:
	default:
		return fmt.Errorf("invalid fingerprint policy: %s", config.Fingerprint)
	}

	if err := m.validateCompiler(&config.Compiler); err != nil {
		return fmt.Errorf("compiler: %w", err)
	}

	for id, a := range config.Archives {
		if err := m.validateArchive(a); err != nil {
			return fmt.Errorf("archive '%s': %w", id, err)
		}
	}

	if t := config.Transfer; t != nil {
		switch t.Kind {
		case types.TransferLocal, "":
			if t.RemoteRoot == "" {
				return fmt.Errorf("transfer: remoteRoot is required")
			}
		case types.TransferCommand:
			if t.Command == "" {
				return fmt.Errorf("transfer: command is required")
			}
		default:
			return fmt.Errorf("transfer: invalid kind: %s", t.Kind)
		}
	}

	if p := config.Packaging; p != nil {
		if p.CopyToDistant && config.Transfer == nil {
			return fmt.Errorf("packaging: copyToDistant requires a transfer")
		}
		for _, id := range []string{p.DiffArchive, p.CompleteArchive} {
			if _, ok := config.Archives[id]; id != "" && !ok {
				return fmt.Errorf("packaging: archive '%s' is not defined", id)
			}
		}
	}

	if l := config.Logging; l != nil && l.Level != "" {
		switch l.Level {
		case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		default:
			return fmt.Errorf("logging: invalid level: %s", l.Level)
		}
	}

	return nil
}

// GetDefaultConfig returns the configuration written by `deployer init`
func (m *Manager) GetDefaultConfig() *types.DeployConfig {
	enabled := true

	return &types.DeployConfig{
		Version:     "1.0",
		Environment: "default",
		SourceDir:   "src",
		TargetDir:   "build",
		StateDir:    ".deployer",
		RuleFiles:   []string{"deploy.rules"},
		Incremental: true,
		Fingerprint: types.FingerprintMTime,
		ExcludeDirs: getDefaultExclusions(),
		Compiler: types.CompilerConfig{
			Command:          "./bin/compile",
			Args:             []string{"{batch}"},
			ExecutionKind:    types.ExecCompile,
			Extensions:       []string{"p", "w", "cls"},
			ClassExtensions:  []string{"cls"},
			ProcessesPerCore: 1,
			GracePeriod:      5000,
		},
		Notifications: &types.NotificationConfig{
			Enabled: &enabled,
		},
		Logging: &types.LoggingConfig{
			File:  ".deployer/deployer.log",
			Level: types.LogLevelInfo,
		},
	}
}

// SaveConfig writes cfg as YAML or JSON depending on the file extension
func (m *Manager) SaveConfig(path string, cfg *types.DeployConfig) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Private methods

func (m *Manager) validateCompiler(c *types.CompilerConfig) error {
	switch c.ExecutionKind {
	case "", types.ExecCompile, types.ExecCompileXref, types.ExecCompileListing, types.ExecSyntaxCheck:
	default:
		return fmt.Errorf("invalid execution kind: %s", c.ExecutionKind)
	}
	if len(c.Extensions) > 0 && strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("missing compiler command")
	}
	if c.ProcessesPerCore < 0 {
		return fmt.Errorf("processesPerCore must not be negative")
	}
	return nil
}

func (m *Manager) validateArchive(a types.ArchiveConfig) error {
	if a.Path == "" {
		return fmt.Errorf("missing path")
	}
	switch a.Format {
	case types.ArchiveFormatZip, "":
	case types.ArchiveFormatCommand:
		if a.Command == "" {
			return fmt.Errorf("missing command")
		}
	default:
		return fmt.Errorf("invalid format: %s", a.Format)
	}
	return nil
}

func getDefaultExclusions() []string {
	return []string{
		".git",
		".svn",
		".deployer",
		".idea",
		".vscode",
		"tmp",
		"temp",
	}
}
