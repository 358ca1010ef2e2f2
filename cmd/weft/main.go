// Package main provides the weft CLI.
//
// Weft runs LLM agent turns against a session store with branching history.
// The run command executes one user message through the agent loop, streaming
// output and answering permission and continuation requests interactively.
// Session and branch commands manage the store directly.
//
// Configuration comes from a YAML file (see --config); credentials are
// usually injected through environment expansion, e.g.:
//
//	provider:
//	  name: anthropic
//	  api_key: ${ANTHROPIC_API_KEY}
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "weft",
		Short:         "Weft agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildBranchesCmd(),
		buildVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
