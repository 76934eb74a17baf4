package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"edgecli/internal/instance"
	"edgecli/internal/store"
	"edgecli/internal/ui"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	createVersion string
	createNightly bool
	createPort    int
	createStart   bool

	upgradeOpts instance.UpgradeOptions
	destroyOpts instance.DestroyOptions

	projectDir string
)

// instanceCmd manages local server instances
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage local server instances",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Install a server version and initialize a new instance",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		rec, err := m.Create(cmd.Context(), instance.CreateOptions{
			Name:    args[0],
			Version: createVersion,
			Nightly: createNightly,
			Port:    createPort,
			Start:   createStart,
		})
		if err != nil {
			return err
		}
		logger.Info("Instance created", zap.String("instance", rec.Name), zap.String("version", rec.Version))
		fmt.Fprintf(cmd.OutOrStdout(), "Created instance %s (version %s, port %d)\n", rec.Name, rec.Version, rec.Port)
		return nil
	}),
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local instances",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		infos, err := m.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(out, "No instances.")
			return nil
		}
		t := ui.NewSimpleTable("", []string{"Name", "Version", "Channel", "Port", "Status", "Projects"})
		for _, info := range infos {
			t.AddRow(info.Name, info.Version, info.Channel, strconv.Itoa(info.Port), runState(info), strconv.Itoa(len(info.Projects)))
		}
		fmt.Fprintln(out, t.View(tableStyles(out)))
		return nil
	}),
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the state of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		info, err := m.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), info)
		return nil
	}),
}

var instanceStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start an instance",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		return m.Start(cmd.Context(), args[0])
	}),
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop an instance",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		return m.Stop(cmd.Context(), args[0])
	}),
}

var instanceRestartCmd = &cobra.Command{
	Use:   "restart NAME",
	Short: "Restart an instance",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		return m.Restart(cmd.Context(), args[0])
	}),
}

var instanceUpgradeCmd = &cobra.Command{
	Use:   "upgrade [NAME]",
	Short: "Upgrade one instance, or every instance with --local-minor or --to-latest",
	Long: `Upgrades the server version of an instance.

Compatible versions (same major) are upgraded in place. Crossing a major
version, moving to nightly, or --force dumps every database, installs the
new version into a fresh data directory and restores the dump. The old
data directory is kept until the restore succeeded.

Without NAME, --local-minor upgrades every instance to the latest stable
minor release of its major in the package index and --to-latest upgrades
every instance to the latest stable release.`,
	Args: cobra.MaximumNArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		o := upgradeOpts
		if len(args) == 1 {
			o.Name = args[0]
		}
		o.Verbose = o.Verbose || verbose
		results, err := m.Upgrade(cmd.Context(), o)
		for _, r := range results {
			fmt.Fprintln(cmd.OutOrStdout(), r.String())
		}
		return err
	}),
}

var instanceDestroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Stop an instance and remove its data",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		o := destroyOpts
		o.Verbose = o.Verbose || verbose
		if err := m.Destroy(cmd.Context(), args[0], o); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Destroyed instance %s\n", args[0])
		return nil
	}),
}

// projectCmd links directories to instances
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Link project directories to instances",
}

var projectInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Link the project directory to the instance given with --instance",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		if instanceName == "" {
			return fmt.Errorf("project init requires --instance")
		}
		if err := m.Link(cmd.Context(), projectDir, instanceName); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Project %s linked to instance %s\n", projectDir, instanceName)
		return nil
	}),
}

var projectUnlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Remove the link of the project directory",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		if err := m.Unlink(cmd.Context(), projectDir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Project %s unlinked\n", projectDir)
		return nil
	}),
}

var projectInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the instance linked to the project directory",
	Args:  cobra.NoArgs,
	RunE: withManager(func(cmd *cobra.Command, m *instance.Manager, args []string) error {
		name, err := m.ProjectOf(cmd.Context(), projectDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance: %s\n", name)
		return nil
	}),
}

func init() {
	instanceCreateCmd.Flags().StringVar(&createVersion, "version", "", "Version or major to install (default: latest stable)")
	instanceCreateCmd.Flags().BoolVar(&createNightly, "nightly", false, "Install the latest nightly build")
	instanceCreateCmd.Flags().IntVar(&createPort, "port", 0, "Port to listen on (default: first free port)")
	instanceCreateCmd.Flags().BoolVar(&createStart, "start", false, "Start the instance after creating it")

	uf := instanceUpgradeCmd.Flags()
	uf.BoolVar(&upgradeOpts.Force, "force", false, "Dump and restore even when an in-place upgrade is possible")
	uf.BoolVar(&upgradeOpts.ToLatest, "to-latest", false, "Upgrade to the latest stable release")
	uf.BoolVar(&upgradeOpts.ToNightly, "to-nightly", false, "Upgrade to the latest nightly build")
	uf.BoolVar(&upgradeOpts.LocalMinor, "local-minor", false, "Upgrade to the latest stable minor release of the same major")
	uf.BoolVarP(&upgradeOpts.Verbose, "verbose", "v", false, "Print each step")

	df := instanceDestroyCmd.Flags()
	df.BoolVar(&destroyOpts.Force, "force", false, "Destroy even when projects are linked to the instance")
	df.BoolVarP(&destroyOpts.Verbose, "verbose", "v", false, "Print each step")

	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceRestartCmd)
	instanceCmd.AddCommand(instanceUpgradeCmd)
	instanceCmd.AddCommand(instanceDestroyCmd)

	projectCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "Project directory")
	projectCmd.AddCommand(projectInitCmd)
	projectCmd.AddCommand(projectUnlinkCmd)
	projectCmd.AddCommand(projectInfoCmd)
}

// withManager opens the state store and builds an instance manager for
// the duration of fn.
func withManager(fn func(cmd *cobra.Command, m *instance.Manager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, newManager(st, cmd.OutOrStdout()), args)
	}
}

func runState(info instance.Info) string {
	switch {
	case info.Running:
		return store.StatusRunning
	case info.Status == store.StatusUpgrading:
		return store.StatusUpgrading
	}
	return store.StatusStopped
}

func printStatus(out io.Writer, info instance.Info) {
	fmt.Fprintf(out, "Instance: %s\n", info.Name)
	fmt.Fprintf(out, "Version:  %s (%s)\n", info.Version, info.Channel)
	fmt.Fprintf(out, "Port:     %d\n", info.Port)
	if info.Running {
		fmt.Fprintf(out, "Status:   running (pid %d)\n", info.Pid)
	} else {
		fmt.Fprintf(out, "Status:   %s\n", runState(info))
	}
	fmt.Fprintf(out, "Data:     %s\n", info.DataDir)
	if len(info.Projects) > 0 {
		fmt.Fprintf(out, "Projects: %s\n", strings.Join(info.Projects, ", "))
	}
}

func tableStyles(out io.Writer) ui.Styles {
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		return ui.NewStyles(ui.DetectTheme())
	}
	return ui.PlainStyles()
}
