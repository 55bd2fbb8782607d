package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"aura/internal/config"
	"aura/internal/core"
	"aura/internal/migration"
	"aura/internal/state"

	"github.com/spf13/cobra"
)

// =============================================================================
// STATE COMMANDS
// =============================================================================

// stateCmd prints the persisted tree
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the current state tree as JSON",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

// resetCmd replaces the tree with the default
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the state tree to its defaults",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

// migrateCmd migrates a snapshot file offline
var migrateCmd = &cobra.Command{
	Use:   "migrate FILE",
	Short: "Migrate a snapshot file to the current schema version",
	Long: `Reads a persisted snapshot, applies every migration step between its
version and the current one, and writes the result. The kernel's store is
not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runState(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	tree := rt.kernel.State()
	if slice, _ := cmd.Flags().GetString("slice"); slice != "" {
		raw, ok := tree.Slice(slice)
		if !ok {
			return fmt.Errorf("no slice %q (have %v)", slice, tree.Keys())
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}
	return printJSON(cmd.OutOrStdout(), tree)
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.kernel.Reset(ctx); err != nil {
		return err
	}
	if err := rt.kernel.PersistErr(); err != nil {
		return fmt.Errorf("reset not persisted: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "state reset to defaults")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	lenient, _ := cmd.Flags().GetBool("lenient")
	strict := cfg.Migration.Strict && !lenient
	tree, result, err := migrateSnapshot(data, strict)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "migrated v%d -> v%d: %d steps, %d skipped (%v)\n",
		result.FromVersion, result.ToVersion, result.MigrationsRun, len(result.Skipped), result.Duration)
	for _, w := range result.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		return printJSON(cmd.OutOrStdout(), tree)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()
	return printJSON(f, tree)
}

// migrateSnapshot migrates raw snapshot bytes and fills missing slices.
func migrateSnapshot(data []byte, strict bool) (state.Tree, migration.Result, error) {
	chain, err := core.NewMigrationChain(strict)
	if err != nil {
		return state.Tree{}, migration.Result{}, err
	}
	tree, result, err := chain.MigrateTree(data)
	if err != nil {
		return state.Tree{}, result, err
	}
	tree, err = core.NewSchema().Fill(tree)
	return tree, result, err
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", configPath)
		return nil
	}
	if err := config.DefaultConfig().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
