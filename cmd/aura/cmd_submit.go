package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aura/internal/types"

	"github.com/spf13/cobra"
)

// submitCmd submits one command and prints the settled state
var submitCmd = &cobra.Command{
	Use:   "submit KIND [key=value ...]",
	Short: "Submit one command to the persisted kernel",
	Long: `Boots the kernel, submits a single command and persists the result.

Values are parsed as JSON when possible and fall back to strings:

  aura submit INPUT/KEY key=a
  aura submit KERNEL/ENQUEUE_TASK kind=SYNTH priority=2
  aura submit SYSTEM/CLEAR_ERRORS

KERNEL/ENQUEUE_TASK without an id gets a fresh id and creation time.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := buildCommand(args[0], args[1:])
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	tree, err := rt.kernel.Submit(ctx, c)
	if err != nil {
		return fmt.Errorf("%s rejected: %w", c.Kind, err)
	}
	if err := rt.kernel.PersistErr(); err != nil {
		return fmt.Errorf("state changed but was not persisted: %w", err)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return nil
	}
	return printJSON(cmd.OutOrStdout(), tree)
}

// buildCommand turns CLI arguments into a command.
func buildCommand(kind string, assignments []string) (types.Command, error) {
	args, err := parseAssignments(assignments)
	if err != nil {
		return types.Command{}, err
	}
	if kind == types.KindEnqueueTask {
		if _, ok := args["id"]; !ok {
			taskKind := types.ArgString(types.Command{Args: args}, "kind")
			if taskKind == "" {
				return types.Command{}, fmt.Errorf("%s needs kind=...", kind)
			}
			priority, _ := types.ExtractInt64(args["priority"])
			return types.EnqueueTask(taskKind, int(priority)), nil
		}
	}
	return types.NewCommand(kind, args), nil
}

// parseAssignments parses key=value pairs. Values that decode as JSON keep
// their JSON type.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q (want key=value)", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
