package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"edgecli/internal/diff"
	"edgecli/internal/pkgbuild"
	"edgecli/internal/ui"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	pkgEnvFiles    []string
	pkgFilter      string
	pkgJobs        []string
	pkgOnly        bool
	pkgParallel    int
	pkgMetricsFile string
	pkgArtifacts   string
	pkgTarget      string
	pkgOutput      string
	pkgBinary      string
	pkgCheck       string
)

// pkgCmd drives the package pipeline
var pkgCmd = &cobra.Command{
	Use:   "pkg",
	Short: "Plan, build, test and publish server packages",
	Long: `Lays out build, test and publish jobs for the package target matrix.

The matrix is narrowed by PKG_PLATFORM and PKG_PLATFORM_VERSION and by
--filter, an expression over platform, version, arch, family, name and
generic, for example:

  edgecli pkg plan --filter 'family == "linux" && arch == "x86_64"'

PKG_* variables come from the environment and from --env-file; the
environment wins. PKG_SUBDIST selects the channel (nightly, testing or
stable when unset).`,
}

var pkgPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the jobs of the package plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		t := ui.NewSimpleTable(fmt.Sprintf("%s (%s)", plan.Env.Name, plan.Env.Channel()), []string{"Job", "Runner", "Needs"})
		for _, j := range plan.Jobs {
			needs := strings.Join(j.Needs, ", ")
			if len(j.Needs) > 2 {
				needs = fmt.Sprintf("%d jobs", len(j.Needs))
			}
			t.AddRow(j.ID, j.Target.Runner, needs)
		}
		fmt.Fprintln(out, t.View(tableStyles(out)))
		return nil
	},
}

var pkgWorkflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Render the plan as a GitHub Actions workflow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan()
		if err != nil {
			return err
		}
		data, err := pkgbuild.RenderWorkflow(plan, pkgbuild.WorkflowOptions{Binary: pkgBinary})
		if err != nil {
			return err
		}
		if pkgCheck != "" {
			return checkWorkflow(cmd, pkgCheck, data)
		}
		if pkgOutput == "" || pkgOutput == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(pkgOutput, data, 0644)
	},
}

var pkgBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the plan's jobs locally",
	Long: `Runs build and test jobs with ./integration/<family>/{build,test}.sh
and publish jobs against the configured bucket. --job restricts the run to
the named jobs and what they depend on; with --only the dependencies are
assumed to have run elsewhere, which is how CI invokes each job.`,
	Args: cobra.NoArgs,
	RunE: runPkgBuild,
}

var pkgPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload a target's artifacts and update its package index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := pkgbuild.LoadEnv(pkgEnvFiles...)
		if err != nil {
			return err
		}
		t, err := findTarget(pkgTarget)
		if err != nil {
			return err
		}
		pub, err := newPublisher(cmd, env, nil)
		if err != nil {
			return err
		}
		pkgs, err := pub.Publish(cmd.Context(), t, filepath.Join(pkgArtifacts, t.Name()))
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s (%s)\n", p.Name, p.Version, p.InstallRef)
		}
		return nil
	},
}

func init() {
	pf := pkgCmd.PersistentFlags()
	pf.StringSliceVar(&pkgEnvFiles, "env-file", nil, ".env files with PKG_* variables")
	pf.StringVar(&pkgFilter, "filter", "", "Target filter expression")

	pkgWorkflowCmd.Flags().StringVarP(&pkgOutput, "output", "o", "", "Write the workflow to a file instead of stdout")
	pkgWorkflowCmd.Flags().StringVar(&pkgCheck, "check", "", "Compare with an existing workflow file and fail when it differs")
	pkgWorkflowCmd.Flags().StringVar(&pkgBinary, "binary", "edgecli", "Command the workflow runs for each job")

	bf := pkgBuildCmd.Flags()
	bf.StringSliceVar(&pkgJobs, "job", nil, "Run only these jobs (and their dependencies unless --only)")
	bf.BoolVar(&pkgOnly, "only", false, "Do not run dependencies of --job")
	bf.IntVar(&pkgParallel, "parallel", 2, "Jobs to run at once")
	bf.StringVar(&pkgMetricsFile, "metrics-file", "", "Write job metrics in Prometheus text format to this file")
	bf.StringVar(&pkgArtifacts, "artifacts", "artifacts", "Artifacts directory")

	pubf := pkgPublishCmd.Flags()
	pubf.StringVar(&pkgTarget, "target", "", "Target name, e.g. debian-bullseye-x86_64")
	pubf.StringVar(&pkgArtifacts, "artifacts", "artifacts", "Artifacts directory")
	pkgPublishCmd.MarkFlagRequired("target")

	pkgCmd.AddCommand(pkgPlanCmd)
	pkgCmd.AddCommand(pkgWorkflowCmd)
	pkgCmd.AddCommand(pkgBuildCmd)
	pkgCmd.AddCommand(pkgPublishCmd)
}

// checkWorkflow prints how the committed workflow at path differs from
// the rendered one and fails when they are not identical.
func checkWorkflow(cmd *cobra.Command, path string, rendered []byte) error {
	current, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	d := diff.Unified(path, "rendered", string(current), string(rendered), 3)
	if d == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", path)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), d)
	return fmt.Errorf("%s is out of date; regenerate it with pkg workflow -o %s", path, path)
}

func loadPlan() (*pkgbuild.Plan, error) {
	env, err := pkgbuild.LoadEnv(pkgEnvFiles...)
	if err != nil {
		return nil, err
	}
	filter, err := pkgbuild.CompileFilter(pkgFilter)
	if err != nil {
		return nil, err
	}
	return pkgbuild.NewPlan(env, pkgbuild.DefaultTargets(), filter)
}

func findTarget(name string) (pkgbuild.Target, error) {
	for _, t := range pkgbuild.DefaultTargets() {
		if t.Name() == name {
			return t, nil
		}
	}
	return pkgbuild.Target{}, fmt.Errorf("unknown target %q", name)
}

func newPublisher(cmd *cobra.Command, env *pkgbuild.Env, metrics *pkgbuild.Metrics) (*pkgbuild.Publisher, error) {
	if cfg.Publish.Endpoint == "" {
		return nil, fmt.Errorf("no publish endpoint configured (publish.endpoint or EDGECLI_S3_ENDPOINT)")
	}
	st, err := pkgbuild.NewMinioStore(cfg.Publish)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureBucket(cmd.Context()); err != nil {
		return nil, err
	}
	return &pkgbuild.Publisher{Store: st, Channel: env.Channel(), Metrics: metrics}, nil
}

func runPkgBuild(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan()
	if err != nil {
		return err
	}
	if len(pkgJobs) > 0 {
		if pkgOnly {
			plan, err = plan.Only(pkgJobs...)
		} else {
			plan, err = plan.Subset(pkgJobs...)
		}
		if err != nil {
			return err
		}
	}

	metrics := pkgbuild.NewMetrics()
	exec := &pkgbuild.LocalExecutor{
		ArtifactsDir: pkgArtifacts,
		Stdout:       cmd.OutOrStdout(),
		Stderr:       cmd.ErrOrStderr(),
	}
	for _, j := range plan.Jobs {
		if j.Kind != pkgbuild.JobPublish {
			continue
		}
		exec.Publisher, err = newPublisher(cmd, plan.Env, metrics)
		if err != nil {
			return err
		}
		break
	}

	runner := &pkgbuild.Runner{Executor: exec, Parallel: pkgParallel, Metrics: metrics}
	report, runErr := runner.Run(cmd.Context(), plan)
	if report == nil {
		return runErr
	}
	out := cmd.OutOrStdout()
	for _, r := range report.Results {
		line := fmt.Sprintf("%-40s %-10s %s", r.Job.ID, r.Status, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			line += "  " + r.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
	if pkgMetricsFile != "" {
		if err := metrics.WriteTextfile(pkgMetricsFile); err != nil {
			logger.Warn("Failed to write metrics", zap.String("file", pkgMetricsFile), zap.Error(err))
		}
	}
	return runErr
}
