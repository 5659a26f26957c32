package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pmemkit/internal/logger"
)

var verbose, quiet, jsonOut bool

var rootCmd = &cobra.Command{
	Use:   "pmctl",
	Short: "Create and inspect pmemkit heap files",
	Long: `pmctl creates pmemkit heap files and inspects their allocator, transaction
lanes, type names, and cycle candidates. It can run a cycle collection pass,
verify reference counts, and edit the durable map kept in root slot 4.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose && !quiet {
			lvl := slog.LevelDebug
			logger.Init(logger.Options{Enabled: true, Level: &lvl, JSON: jsonOut})
		}
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.BoolVarP(&verbose, "verbose", "v", false, "Log runtime activity and print details")
	f.BoolVarP(&quiet, "quiet", "q", false, "Print errors only")
	f.BoolVar(&jsonOut, "json", false, "Print results as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose is printInfo gated on --verbose.
func printVerbose(format string, args ...any) {
	if verbose {
		printInfo(format, args...)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSize(size int64) string {
	if size < 1<<10 {
		return fmt.Sprintf("%d bytes", size)
	}
	v, unit := float64(size)/(1<<10), "KB"
	for _, u := range []string{"MB", "GB"} {
		if v < 1<<10 {
			break
		}
		v, unit = v/(1<<10), u
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}
