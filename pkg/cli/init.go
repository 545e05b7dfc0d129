package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poltergeist/deployer/pkg/config"
)

const defaultRules = `# <pattern> <step|*> <action>[:<archive>] <target|-> [continue|stop]
#
# Steps: Listing CopyingReference Compilation DeployRCode DeployFile
# Actions: copy move delete ftp skip zip:<id> cab:<id> lib:<id>
# Target tokens: ${target} ${srcdir} ${relpath} ${filename} ${basename} ${ext}

**/*.r     DeployRCode copy ${target}/${relpath}
**/*.html  DeployFile  copy ${target}/web/${relpath}
**/*.tmp   *           skip -
`

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter configuration and rule file",
		Long: `Write deployer.yaml and deploy.rules into the project root. Existing
files are kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")

	return cmd
}

func (c *CLI) runInit(force bool) error {
	root := c.viper.GetString("root")
	configPath := c.viper.GetString("config")
	if configPath == "" {
		configPath = filepath.Join(root, config.DefaultConfigFiles[0])
	}
	rulesPath := filepath.Join(filepath.Dir(configPath), "deploy.rules")

	if !force {
		for _, p := range []string{configPath, rulesPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists. Use --force to overwrite", p)
			}
		}
	}

	m := config.NewManager()
	if err := m.SaveConfig(configPath, m.GetDefaultConfig()); err != nil {
		return err
	}
	if err := os.WriteFile(rulesPath, []byte(defaultRules), 0644); err != nil {
		return fmt.Errorf("failed to write rules: %w", err)
	}

	c.printSuccess(fmt.Sprintf("Created %s and %s", configPath, rulesPath))
	c.printInfo("Edit the compiler section and the rules to match your project")
	return nil
}
