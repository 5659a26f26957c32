package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/heap"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Report heap geometry and runtime counters",
		Long: `The info command opens a heap, rolling back any transaction that was
in flight when it was last closed, and reports its geometry, allocator usage,
root slots, and the size of the cycle candidate set.

Example:
  pmctl info app.pool
  pmctl info app.pool --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), args)
		},
	}
	return cmd
}

type heapInfo struct {
	File       string  `json:"file"`
	UUID       string  `json:"uuid"`
	Size       int64   `json:"size"`
	Lanes      int     `json:"lanes"`
	LaneSize   int64   `json:"lane_size"`
	ArenaStart int64   `json:"arena_start"`
	Top        int64   `json:"top"`
	Allocs     uint64  `json:"allocs"`
	FreeBlocks int     `json:"free_blocks"`
	FreeBytes  int64   `json:"free_bytes"`
	TypeNames  int     `json:"type_names"`
	Candidates int     `json:"candidates"`
	Objects    int     `json:"objects,omitempty"`
	MapEntries int     `json:"map_entries,omitempty"`
	Roots      []int64 `json:"roots"`
}

func runInfo(ctx context.Context, args []string) error {
	path := args[0]
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := collectInfo(ctx, path, s)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nHeap Information:\n")
	printInfo("  File: %s\n", info.File)
	printInfo("  UUID: %s\n", info.UUID)
	printInfo("  Size: %s\n", formatSize(info.Size))
	printInfo("  Lanes: %d x %s\n", info.Lanes, formatSize(info.LaneSize))
	printInfo("  Arena: %#x - %#x (%s used)\n", info.ArenaStart, info.Top, formatSize(info.Top-info.ArenaStart))
	printInfo("  Free blocks: %d (%s)\n", info.FreeBlocks, formatSize(info.FreeBytes))
	printInfo("\nObjects:\n")
	printInfo("  Type names: %d\n", info.TypeNames)
	printInfo("  Cycle candidates: %d\n", info.Candidates)
	if info.Objects > 0 {
		printInfo("  Indexed objects: %d\n", info.Objects)
	}
	if info.MapEntries > 0 {
		printInfo("  Map entries: %d\n", info.MapEntries)
	}
	printVerbose("\nRoot slots:\n")
	for i, r := range info.Roots {
		printVerbose("  %d: %#x\n", i, r)
	}
	return nil
}

func collectInfo(ctx context.Context, path string, s *session) (heapInfo, error) {
	sb := s.h.Superblock()
	st := s.rt.Stats()
	info := heapInfo{
		File:       path,
		UUID:       sb.UUID.String(),
		Size:       sb.Size,
		Lanes:      sb.Lanes,
		LaneSize:   sb.LaneSize,
		ArenaStart: sb.ArenaStart,
		Top:        st.Alloc.Top,
		Allocs:     st.Alloc.Allocs,
		FreeBlocks: st.Alloc.FreeBlocks,
		FreeBytes:  st.Alloc.FreeBytes,
		TypeNames:  st.TypeNames,
	}
	for i := range heap.RootSlots {
		r, err := s.h.Root(i)
		if err != nil {
			return info, err
		}
		info.Roots = append(info.Roots, r)
	}

	cands, err := s.rt.Candidates(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to read candidates: %w", err)
	}
	info.Candidates = len(cands)
	if objs, err := s.rt.Objects(ctx); err == nil {
		info.Objects = len(objs)
	}
	if info.Roots[heap.RootCLIMap] != 0 {
		m, err := s.cliMap(ctx, false)
		if err != nil {
			return info, err
		}
		if info.MapEntries, err = m.Size(ctx); err != nil {
			return info, err
		}
	}
	return info, nil
}
