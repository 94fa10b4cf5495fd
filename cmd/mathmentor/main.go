// Mathmentor solves math problems with verified, step-by-step answers and
// learns from user feedback.
//
// Usage:
//
//	# Load the knowledge base, then serve the HTTP API
//	mathmentor ingest knowledge_base
//	mathmentor serve
//
//	# Solve once from the command line
//	mathmentor solve "If 2x + 5 = 13, find x"
//
//	# Serve MCP tools over stdio
//	mathmentor mcp
//
// Configuration is read from ~/.config/mathmentor/config.yaml (or --config)
// and MATHMENTOR_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mathmentor",
		Short: "Verified step-by-step math solving with a feedback loop",
		Long: `mathmentor solves math problems through a parse, plan, retrieve, solve,
verify and explain pipeline. Low-confidence algebra answers are held for
human review, and user feedback shapes future solutions.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/mathmentor/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newSolveCmd(),
		newFeedbackCmd(),
		newIngestCmd(),
		newRepairCmd(),
		newStatsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mathmentor by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
