package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/poltergeist/deployer/pkg/config"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/types"
)

// EnvPrefix prefixes the environment variables read by the CLI
const EnvPrefix = "DEPLOYER"

// Config holds the CLI-level options. Values come from flags, then
// DEPLOYER_* environment variables.
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "info",
	}
}

// configPath returns the explicit config file or the first default one
// found in the project root
func (c *CLI) configPath() (string, error) {
	if path := c.viper.GetString("config"); path != "" {
		return path, nil
	}
	return config.NewManager().FindConfig(c.viper.GetString("root"))
}

// loadDeployConfig reads the config file and applies the command-line
// overrides bound in viper. The result is built once per command.
func (c *CLI) loadDeployConfig() (*types.DeployConfig, string, error) {
	path, err := c.configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config %s: %w", path, err)
	}
	c.applyOverrides(cfg)

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", err
	}
	return cfg, baseDir, nil
}

func (c *CLI) applyOverrides(cfg *types.DeployConfig) {
	if env := c.viper.GetString("env"); env != "" {
		cfg.Environment = env
	}
	if c.viper.GetBool("full") {
		cfg.ForceFull = true
	}
	if c.viper.GetBool("single-process") {
		cfg.Compiler.SingleProcess = true
	}
}

// newLogger builds the run logger: verbosity flag first, then the config's
// logging section for the level and the rotated log file
func (c *CLI) newLogger(cfg *types.DeployConfig) logger.Logger {
	opts := logger.Options{Level: c.viper.GetString("verbosity")}
	if cfg != nil && cfg.Logging != nil {
		if !c.viper.IsSet("verbosity") && cfg.Logging.Level != "" {
			opts.Level = string(cfg.Logging.Level)
		}
		opts.File = cfg.Logging.File
		opts.MaxSizeMB = cfg.Logging.MaxSizeMB
		opts.MaxBackups = cfg.Logging.MaxBackups
		opts.MaxAgeDays = cfg.Logging.MaxAgeDays
	}
	if c.newLoggerFunc != nil {
		return c.newLoggerFunc(opts)
	}
	return logger.CreateLogger(opts)
}

func bindViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}
