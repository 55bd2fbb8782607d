package main

import (
	"fmt"
	"os"

	"aura/internal/config"
	"aura/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Resolved by PersistentPreRunE
	cfg *config.Config

	// Logger for CLI-level messages
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "aura",
	Short: "aura - command-driven state kernel for interactive agent shells",
	Long: `aura keeps a single state tree that changes only through named commands.

Commands run through an ordered pipeline of slice handlers. A logical clock
ticks a coprocessor that fires condition/action rules under cooldowns, and a
resonance tracker measures which command namespaces are active. The settled
tree is persisted after every change and migrated forward on load.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = wd
		}
		if configPath == "" {
			configPath = config.DefaultPath(workspace)
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		loaded.ResolvePaths(workspace)
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		return initLogging(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

// initLogging sets up the CLI logger and the categorized kernel loggers.
// --verbose routes every category to stderr at debug level.
func initLogging(c *config.Config) error {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	var err error
	logger, err = zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if verbose {
		logging.UseLogger(logger)
		return logging.SetLevel("debug")
	}
	return logging.Initialize(c.Logging.ToLogging())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.aura/config.yaml)")

	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	runCmd.Flags().Bool("exit-on-eof", false, "Stop when stdin closes")
	submitCmd.Flags().Bool("quiet", false, "Do not print the settled state")
	stateCmd.Flags().String("slice", "", "Print only one slice")
	migrateCmd.Flags().StringP("out", "o", "", "Write the migrated snapshot here instead of stdout")
	migrateCmd.Flags().Bool("lenient", false, "Skip missing migration steps instead of failing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
