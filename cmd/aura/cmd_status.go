package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd shows a rendered summary of the persisted tree
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tick, task slot, queue and resonance",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(newStyles(), rt.kernel.State(), cfg.Resonance.Max))
	fmt.Fprintf(cmd.OutOrStdout(), "booted from %s, store %s (%s)\n", rt.boot.Source, cfg.Store.Backend, cfg.Store.Path)
	return nil
}
