package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCollectCmd())
}

func newCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect <file>",
		Short: "Run one cycle collection pass",
		Long: `The collect command runs the cycle collector over the heap's candidate set
and frees every garbage cycle it finds.

Example:
  pmctl collect app.pool
  pmctl collect app.pool --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), args)
		},
	}
	return cmd
}

func runCollect(ctx context.Context, args []string) error {
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.rt.Collect(ctx)
	if err != nil {
		if stats.Failed > 0 {
			return fmt.Errorf("collection failed, %d components not freed: %w", stats.Failed, err)
		}
		return fmt.Errorf("collection failed: %w", err)
	}
	if jsonOut {
		return printJSON(stats)
	}
	printInfo("Candidates: %d\n", stats.Candidates)
	printInfo("Freed: %d\n", stats.Freed)
	printInfo("Restored: %d\n", stats.Restored)
	if stats.Skipped > 0 {
		printInfo("Skipped: %d\n", stats.Skipped)
	}
	return nil
}
