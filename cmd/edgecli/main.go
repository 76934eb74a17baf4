package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgecli/internal/config"
	"edgecli/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose           bool
	configPath        string
	instanceName      string
	dsn               string
	host              string
	port              int
	user              string
	database          string
	passwordFromStdin bool
	timeout           time.Duration

	// Logger
	logger *zap.Logger

	// cfg is loaded before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "edgecli",
	Short: "edgecli - EdgeQL shell and local instance manager",
	Long: `edgecli talks to a server over its EdgeQL and GraphQL HTTP endpoints.

Run without arguments to start the interactive shell. When standard input
is not a terminal, queries are read from it and run one after another.

Connection parameters come from --dsn, then --instance (or the instance
linked to the current project), then the individual flags, then the
connection section of the config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configFile(), err)
		}
		if err := logging.Initialize(cfg.Logging.Settings()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logging.Boot("edgecli %s, config %s", cmd.CommandPath(), configFile())

		// The shell draws on the terminal; keep process logs out of it
		if cmd == cmd.Root() && isTerminal(os.Stdin) {
			logger = zap.NewNop()
			return nil
		}

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: runShell,
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.StringVar(&configPath, "config", "", "Config file (default: $EDGECLI_CONFIG or the user config dir)")
	pf.StringVarP(&instanceName, "instance", "I", "", "Local instance to connect to")
	pf.StringVar(&dsn, "dsn", "", "DSN of the server (edgedb://user@host:port/database)")
	pf.StringVarP(&host, "host", "H", "", "Server host")
	pf.IntVarP(&port, "port", "P", 0, "Server port")
	pf.StringVarP(&user, "user", "u", "", "User name")
	pf.StringVarP(&database, "database", "d", "", "Database name")
	pf.BoolVar(&passwordFromStdin, "password-from-stdin", false, "Read the password from the first line of stdin")
	pf.DurationVar(&timeout, "timeout", 0, "Connect timeout (default: connection.timeout from config)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(pkgCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
