package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/object"
)

var (
	genNodes  int
	genCycles int
)

func init() {
	cmd := newGenCmd()
	cmd.Flags().IntVar(&genNodes, "nodes", 100, "Length of the chain hung off the root")
	cmd.Flags().IntVar(&genCycles, "cycles", 0, "Number of unreachable two-node cycles to leave behind")
	rootCmd.AddCommand(cmd)
}

func newGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen <file>",
		Short: "Populate a heap with a test object graph",
		Long: `The gen command replaces the root object's chain with a fresh chain of
nodes and optionally leaves garbage cycles for the collector to find.

Example:
  pmctl gen app.pool --nodes 1000
  pmctl gen app.pool --cycles 10 && pmctl collect app.pool`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen(cmd.Context(), args)
		},
	}
	return cmd
}

func runGen(ctx context.Context, args []string) error {
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	rt := s.rt

	root, err := rt.Root(ctx)
	if err != nil {
		return fmt.Errorf("failed to read root: %w", err)
	}
	if root == nil {
		if root, err = rt.New(ctx, nodeType); err != nil {
			return err
		}
		if err := rt.SetRoot(ctx, root); err != nil {
			return err
		}
	}

	var head *object.Object
	for i := range genNodes {
		n, err := rt.New(ctx, nodeType)
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		err = rt.Run(ctx, func(ctx context.Context) error {
			if err := n.SetLong(ctx, fieldValue, int64(i)); err != nil {
				return err
			}
			return n.SetRef(ctx, fieldLeft, head)
		})
		if err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		head = n
	}
	if err := root.SetRef(ctx, fieldLeft, head); err != nil {
		return err
	}
	printVerbose("Linked %d nodes under root %#x\n", genNodes, root.Addr())

	for i := range genCycles {
		if err := leaveCycle(ctx, rt, root); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
	}
	printInfo("Generated %d nodes and %d garbage cycles\n", genNodes, genCycles)
	return nil
}

// leaveCycle links a two-node cycle under root and unlinks it again, which
// leaves it unreachable and registered as a collection candidate.
func leaveCycle(ctx context.Context, rt *object.Runtime, root *object.Object) error {
	return rt.Run(ctx, func(ctx context.Context) error {
		a, err := rt.New(ctx, nodeType)
		if err != nil {
			return err
		}
		b, err := rt.New(ctx, nodeType)
		if err != nil {
			return err
		}
		if err := a.SetRef(ctx, fieldLeft, b); err != nil {
			return err
		}
		if err := b.SetRef(ctx, fieldLeft, a); err != nil {
			return err
		}
		if err := root.SetRef(ctx, fieldRight, a); err != nil {
			return err
		}
		return root.SetRef(ctx, fieldRight, nil)
	})
}
