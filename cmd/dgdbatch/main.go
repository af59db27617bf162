package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/dgdbatch/internal/core"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dgdbatch",
		Short: "dgdbatch: run recount3 download batches in parallel worker processes",
		Long: "dgdbatch reads a table of recount3 project/category batches and runs the single-batch\n" +
			"downloader for each of them in a bounded pool of worker processes, reporting the\n" +
			"outcome of every batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/dgdbatch/config.yaml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dgdbatch %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// execute runs the CLI and maps the outcome to a process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return api.ExitOK
	case errors.Is(err, core.ErrBatchesFailed):
		return api.ExitBatchesFailed
	default:
		fmt.Fprintln(stderr, "Error:", err)
		return api.ExitFatal
	}
}

// Main entry point
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
