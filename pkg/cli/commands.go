package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/deployer/internal/engine"
	"github.com/poltergeist/deployer/pkg/logger"
	"github.com/poltergeist/deployer/pkg/manifest"
	"github.com/poltergeist/deployer/pkg/process"
	"github.com/poltergeist/deployer/pkg/rules"
	"github.com/poltergeist/deployer/pkg/types"
)

// maxListedErrors bounds the diagnostics printed after a run
const maxListedErrors = 50

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("full", false, "ignore the previous manifest and process every file")
	cmd.Flags().String("env", "", "target environment (default: the config's environment)")
}

func (c *CLI) newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run one deployment",
		Long: `Deploy the files that changed since the last completed deployment of the
environment. With --full, or when no manifest exists, everything is deployed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDeploy(cmd.Context())
		},
	}

	addRunFlags(cmd)
	cmd.Flags().Bool("single-process", false, "compile with a single worker process")

	return cmd
}

func (c *CLI) newPlanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a deployment would process and remove",
		Long:  `Compare the source tree with the stored manifest without deploying anything.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd.Context(), all)
		},
	}

	addRunFlags(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "also list unchanged files")

	return cmd
}

func (c *CLI) newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect deployment rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check [rule files...]",
		Short: "Parse rule files and report every malformed rule",
		Long: `Parse the given rule files, or the ones named in the configuration, and
print each malformed rule with its file and line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRulesCheck(args)
		},
	})

	return cmd
}

func (c *CLI) newManifestCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect stored deployment manifests",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the manifest of the last completed deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runManifestShow(asJSON)
		},
	}
	show.Flags().String("env", "", "environment (default: the config's environment)")
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw manifest")

	list := &cobra.Command{
		Use:   "list",
		Short: "List environments with a stored manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runManifestList()
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored manifest so the next deployment is full",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runManifestReset()
		},
	}
	reset.Flags().String("env", "", "environment (default: the config's environment)")

	cmd.AddCommand(show, list, reset)
	return cmd
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of deployer",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "deployer v%s\n", c.config.Version)
		},
	}
}

// Implementation functions

func (c *CLI) newController(cfg *types.DeployConfig, baseDir string, log logger.Logger, progress engine.ProgressReporter) (*engine.Controller, error) {
	deps, err := engine.NewDependencyFactory(baseDir, log, cfg).
		CreateWithOverrides(engine.Dependencies{Progress: progress})
	if err != nil {
		return nil, err
	}
	return engine.NewController(cfg, deps, log)
}

func (c *CLI) runDeploy(ctx context.Context) error {
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

	c.printInfo(fmt.Sprintf("Deploying %s to %s (%s)", cfg.SourceDir, cfg.TargetDir, cfg.GetEnvironment()))
	report, err := ctrl.Run(ctx)
	if report == nil {
		return err
	}
	c.printReport(report)

	if err != nil {
		return err
	}
	if report.Status != types.RunStatusDone {
		return fmt.Errorf("deployment failed in %s", report.FailedStep)
	}
	return nil
}

func (c *CLI) printReport(report *engine.Report) {
	all := report.Errors.All()
	for i, fe := range all {
		if i == maxListedErrors {
			fmt.Fprintf(c.output, "  ... and %d more\n", len(all)-maxListedErrors)
			break
		}
		line := fe.String()
		if fe.Level == types.LevelError {
			line = color.RedString(line)
		} else {
			line = color.YellowString(line)
		}
		fmt.Fprintf(c.output, "  %s\n", line)
	}
	for _, err := range report.SinkErrors {
		fmt.Fprintf(c.output, "  %s\n", color.RedString(err.Error()))
	}
	for _, wf := range report.WorkerFailures {
		fmt.Fprintf(c.output, "  %s\n", color.RedString(wf.Error()))
	}

	summary := fmt.Sprintf("%s in %s", report.Summary(), report.Duration.Round(time.Millisecond))
	switch report.Status {
	case types.RunStatusDone:
		c.printSuccess(summary)
	case types.RunStatusCancelled:
		c.printWarning(summary)
	default:
		c.printError(summary)
	}
}

func (c *CLI) runPlan(ctx context.Context, all bool) error {
	cfg, baseDir, err := c.loadDeployConfig()
	if err != nil {
		return err
	}
	log := c.newLogger(cfg)

	ctrl, err := c.newController(cfg, baseDir, log, nil)
	if err != nil {
		return err
	}
	plan, err := ctrl.Plan(ctx)
	if err != nil {
		return err
	}

	mode := "incremental"
	if plan.Full {
		mode = "full"
	}
	c.printInfo(fmt.Sprintf("Plan for %s (%s): %d to process, %d to remove, %d unchanged",
		cfg.GetEnvironment(), mode, len(plan.ToProcess), len(plan.ToRemove), len(plan.Unchanged)))

	for _, p := range plan.ToProcess {
		fmt.Fprintf(c.output, "  %s %s\n", color.GreenString("+"), p)
	}
	for _, p := range plan.ToRemove {
		fmt.Fprintf(c.output, "  %s %s\n", color.RedString("-"), p)
	}
	if all {
		for _, p := range plan.Unchanged {
			fmt.Fprintf(c.output, "  = %s\n", p)
		}
	}
	return nil
}

func (c *CLI) runRulesCheck(files []string) error {
	if len(files) == 0 {
		cfg, _, err := c.loadDeployConfig()
		if err != nil {
			return err
		}
		files = cfg.RuleFiles
	}

	rs, err := rules.Load(files...)
	if perrs, ok := rules.IsParseErrors(err); ok {
		for _, pe := range perrs {
			c.printError(pe.Error())
		}
		return fmt.Errorf("%d malformed rules in %d files", len(perrs), len(files))
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tSTEP\tPATTERN\tACTION\tTARGET\tFLOW")
	for _, r := range rs.Rules() {
		flow := "stop"
		if r.ContinueEvaluating {
			flow = "continue"
		}
		target := r.TargetTemplate
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Location(), r.Step, r.Pattern, r.Action, target, flow)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.printSuccess(fmt.Sprintf("%d rules OK", rs.Len()))
	return nil
}

func (c *CLI) openStore() (*manifest.Store, *types.DeployConfig, error) {
	cfg, _, err := c.loadDeployConfig()
	if err != nil {
		return nil, nil, err
	}
	return manifest.NewStore(cfg.GetStateDir(), c.newLogger(cfg)), cfg, nil
}

func (c *CLI) runManifestShow(asJSON bool) error {
	store, cfg, err := c.openStore()
	if err != nil {
		return err
	}
	env := cfg.GetEnvironment()

	m, err := store.Load(env)
	if errors.Is(err, types.ErrNoPreviousManifest) {
		c.printWarning(fmt.Sprintf("No manifest stored for %s", env))
		return nil
	}
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.output, string(data))
		return nil
	}

	c.printInfo(fmt.Sprintf("Manifest for %s, deployed %s, %d files",
		env, m.DeploymentTimestamp.Local().Format("2006-01-02 15:04:05"), m.Len()))

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tFINGERPRINT / SOURCE")
	for _, e := range m.Files {
		origin := e.Fingerprint
		if e.IsGenerated() {
			origin = "<- " + e.Source
		}
		fmt.Fprintf(w, "%s\t%s\n", e.Path, origin)
	}
	return w.Flush()
}

func (c *CLI) runManifestList() error {
	store, _, err := c.openStore()
	if err != nil {
		return err
	}
	envs, err := store.Environments()
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		c.printWarning("No manifests stored")
		return nil
	}
	for _, env := range envs {
		fmt.Fprintln(c.output, env)
	}
	return nil
}

func (c *CLI) runManifestReset() error {
	store, cfg, err := c.openStore()
	if err != nil {
		return err
	}
	if err := store.Remove(cfg.GetEnvironment()); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Manifest for %s removed; the next deployment is full", cfg.GetEnvironment()))
	return nil
}
