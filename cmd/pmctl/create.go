package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/heap"
)

var (
	createSize  int64
	createLanes int
	createIndex bool
)

func init() {
	cmd := newCreateCmd()
	cmd.Flags().Int64Var(&createSize, "size", heap.DefaultSize, "Heap size in bytes")
	cmd.Flags().IntVar(&createLanes, "lanes", heap.DefaultLanes, "Number of undo lanes")
	cmd.Flags().BoolVar(&createIndex, "index", false, "Keep the all-objects index needed by verify")
	rootCmd.AddCommand(cmd)
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a new, empty heap file",
		Long: `The create command formats a new heap file of a fixed size. The file must
not exist.

Example:
  pmctl create app.pool --size 268435456
  pmctl create app.pool --index`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), args)
		},
	}
	return cmd
}

func runCreate(ctx context.Context, args []string) error {
	path := args[0]
	h, err := heap.Create(path, heap.Options{Size: createSize, Lanes: createLanes})
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	s, err := startSession(ctx, h, createIndex)
	if err != nil {
		return err
	}
	sb := h.Superblock()
	if err := s.Close(); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]any{"file": path, "uuid": sb.UUID.String(), "size": sb.Size, "lanes": sb.Lanes})
	}
	printInfo("Created %s (%s, %d lanes)\n", path, formatSize(sb.Size), sb.Lanes)
	printVerbose("  UUID: %s\n", sb.UUID)
	return nil
}
