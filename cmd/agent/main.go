// Command agent runs one agent process: it loads a TOML configuration
// file, wires up a broker connection, the nine-step task processor, and
// the orchestrator event loop, then blocks until an operator-requested
// shutdown drains the current task and disconnects cleanly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("agent exited with an error", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Run or inspect one agent in a multi-agent orchestration mesh",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(buildRunCmd(), buildConfigCmd())
	return cmd
}
