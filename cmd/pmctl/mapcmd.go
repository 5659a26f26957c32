package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/pmemkit/pmap"
)

var (
	loadCount   int
	loadWorkers int
)

func init() {
	root := &cobra.Command{
		Use:   "map",
		Short: "Edit the durable map kept in root slot 4",
	}
	load := newMapLoadCmd()
	load.Flags().IntVar(&loadCount, "count", 1000, "Number of keys to insert")
	load.Flags().IntVar(&loadWorkers, "workers", 4, "Concurrent writers")
	root.AddCommand(newMapPutCmd(), newMapGetCmd(), newMapRemoveCmd(), load)
	rootCmd.AddCommand(root)
}

func newMapPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file> <key> <value>",
		Short: "Store a non-negative value under key",
		Long: `The put command stores value under key, creating the map on first use.

Example:
  pmctl map put app.pool 42 7`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMapPut(cmd.Context(), args)
		},
	}
}

func newMapGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <file> <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMapGet(cmd.Context(), args)
		},
	}
}

func newMapRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <file> <key>",
		Short: "Remove key and print its old value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMapRemove(cmd.Context(), args)
		},
	}
}

func newMapLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Insert keys 0..count-1 from concurrent writers",
		Long: `The load command fills the map with keys 0 to count-1, each mapped to
itself, using several concurrent writers.

Example:
  pmctl map load app.pool --count 100000 --workers 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMapLoad(cmd.Context(), args)
		},
	}
}

func parseInt64s(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", a, err)
		}
		out[i] = v
	}
	return out, nil
}

func printMapValue(key, value int64) error {
	if jsonOut {
		if value == pmap.NotFound {
			return printJSON(map[string]any{"key": key, "found": false})
		}
		return printJSON(map[string]any{"key": key, "value": value, "found": true})
	}
	if value == pmap.NotFound {
		printInfo("%d: not found\n", key)
		return nil
	}
	printInfo("%d: %d\n", key, value)
	return nil
}

func runMapPut(ctx context.Context, args []string) error {
	nums, err := parseInt64s(args[1:])
	if err != nil {
		return err
	}
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.cliMap(ctx, true)
	if err != nil {
		return err
	}
	prev, err := m.Put(ctx, nums[0], nums[1])
	if err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	printVerbose("Previous value: %d\n", prev)
	return printMapValue(nums[0], nums[1])
}

func runMapGet(ctx context.Context, args []string) error {
	nums, err := parseInt64s(args[1:])
	if err != nil {
		return err
	}
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.cliMap(ctx, false)
	if err != nil {
		return err
	}
	v, err := m.Get(ctx, nums[0])
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	return printMapValue(nums[0], v)
}

func runMapRemove(ctx context.Context, args []string) error {
	nums, err := parseInt64s(args[1:])
	if err != nil {
		return err
	}
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.cliMap(ctx, false)
	if err != nil {
		return err
	}
	v, err := m.Remove(ctx, nums[0])
	if err != nil {
		return fmt.Errorf("remove failed: %w", err)
	}
	return printMapValue(nums[0], v)
}

func runMapLoad(ctx context.Context, args []string) error {
	if loadWorkers < 1 {
		return errors.New("--workers must be at least 1")
	}
	s, err := openSession(ctx, args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	m, err := s.cliMap(ctx, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range loadWorkers {
		g.Go(func() error {
			for k := w; k < loadCount; k += loadWorkers {
				if _, err := m.Put(gctx, int64(k), int64(k)); err != nil {
					return fmt.Errorf("put %d: %w", k, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	n, err := m.Size(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]any{"loaded": loadCount, "size": n, "capacity": m.Capacity()})
	}
	printInfo("Loaded %d keys (%d entries, %d buckets)\n", loadCount, n, m.Capacity())
	return nil
}
