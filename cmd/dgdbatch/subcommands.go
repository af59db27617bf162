package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	core "github.com/3cpo-dev/dgdbatch/internal/core"
	"github.com/3cpo-dev/dgdbatch/internal/manifest"
	"github.com/3cpo-dev/dgdbatch/internal/telemetry"
	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// Flags shared by run and plan: everything that shapes worker arguments.
func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input-samples-batches", "i", "", "CSV, TSV or YAML file listing the recount3 batches")
	cmd.Flags().StringP("work-dir", "d", "", "directory for batch outputs and logs (default current directory)")
	cmd.Flags().Bool("save-gene-sums", false, "ask workers to keep the downloaded gene sums")
	cmd.Flags().Bool("save-metadata", false, "ask workers to keep the downloaded metadata")
	cmd.Flags().Bool("log-console", false, "also log to the console")
	cmd.Flags().CountP("verbose", "v", "verbose logging (-vv for debug)")
	cmd.Flags().String("executable", "", "single-batch worker program")
	_ = cmd.MarkFlagRequired("input-samples-batches")
}

// buildInputs loads the manifest and turns it into job specs.
type buildInputs struct {
	cfg      core.Config
	manifest string
	workDir  string
	verbose  int
	console  bool
	run      core.RunConfig
}

func resolveBuildInputs(cmd *cobra.Command) (buildInputs, error) {
	var in buildInputs
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return in, err
	}
	in.cfg = cfg
	in.manifest, _ = cmd.Flags().GetString("input-samples-batches")
	in.verbose, _ = cmd.Flags().GetCount("verbose")

	workDir, _ := cmd.Flags().GetString("work-dir")
	if workDir == "" {
		workDir = "."
	}
	if in.workDir, err = filepath.Abs(workDir); err != nil {
		return in, fmt.Errorf("resolve work dir: %w", err)
	}

	in.console, _ = cmd.Flags().GetBool("log-console")
	in.console = in.console || cfg.Log.Console
	executable := cfg.Executable
	if cmd.Flags().Changed("executable") {
		executable, _ = cmd.Flags().GetString("executable")
	}
	saveGeneSums, _ := cmd.Flags().GetBool("save-gene-sums")
	saveMetadata, _ := cmd.Flags().GetBool("save-metadata")
	in.run = core.RunConfig{
		Executable:   executable,
		WorkDir:      in.workDir,
		SaveGeneSums: saveGeneSums,
		SaveMetadata: saveMetadata,
		LogConsole:   in.console,
		Verbose:      in.verbose >= 1,
		Debug:        in.verbose >= 2,
	}
	return in, nil
}

func (in buildInputs) logLevel() zerolog.Level {
	if in.verbose > 0 {
		return core.VerbosityLevel(in.verbose)
	}
	return core.ParseLevel(in.cfg.Log.Level)
}

// Run every batch of a manifest
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every batch of a manifest in parallel worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := resolveBuildInputs(cmd)
			if err != nil {
				return err
			}
			return runBatches(cmd, in)
		},
	}
	addBuildFlags(cmd)
	cmd.Flags().IntP("n-proc", "n", 1, "number of batches to run at once")
	cmd.Flags().String("log-file", core.DefaultLogFile, "run log file, relative to the work dir")
	cmd.Flags().Duration("timeout", 0, "give up on batches still running after this long (0 waits forever)")
	cmd.Flags().String("history", "", "SQLite file recording each run's batch outcomes")
	cmd.Flags().String("monitor-addr", "", "serve progress and metrics over HTTP on this address")
	cmd.Flags().String("upload", "", "upload results of succeeded batches to user@host[:port]:/dir")
	return cmd
}

func runBatches(cmd *cobra.Command, in buildInputs) error {
	ctx := cmd.Context()
	cfg := in.cfg
	flags := cmd.Flags()

	poolSize := cfg.PoolSize
	if flags.Changed("n-proc") {
		poolSize, _ = flags.GetInt("n-proc")
	}
	timeout := cfg.Timeout
	if flags.Changed("timeout") {
		timeout, _ = flags.GetDuration("timeout")
	}
	logFile := cfg.Log.File
	if flags.Changed("log-file") {
		logFile, _ = flags.GetString("log-file")
	}
	historyPath := cfg.History.Path
	if flags.Changed("history") {
		historyPath, _ = flags.GetString("history")
	}
	monitorAddr := cfg.Monitor.Addr
	if flags.Changed("monitor-addr") {
		monitorAddr, _ = flags.GetString("monitor-addr")
	}
	upload := cfg.Upload
	if target, _ := flags.GetString("upload"); target != "" {
		var err error
		if upload, err = core.ParseUploadTarget(target, upload); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(in.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(in.workDir, logFile)
	}
	logger, closer, err := core.NewLogger(core.LogConfig{
		Level:   in.logLevel(),
		Console: in.console,
		File:    logFile,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	rows, err := manifest.Load(in.manifest)
	if err != nil {
		logger.Error().Err(err).Str("manifest", in.manifest).Msg("cannot load the batches file")
		return err
	}
	specs := core.BuildAll(rows, in.run)
	logger.Info().Int("batches", len(specs)).Int("n_proc", poolSize).Str("work_dir", in.workDir).Msg("starting run")

	env, err := cfg.WorkerEnv()
	if err != nil {
		return err
	}
	opts := core.RunOptions{
		Executable:  in.run.Executable,
		Timeout:     timeout,
		Grace:       cfg.ShutdownGrace,
		Env:         env,
		WorkerLevel: core.ParseLevel(cfg.Log.WorkerLevel),
		Manifest:    in.manifest,
		WorkDir:     in.workDir,
	}
	var options []core.Option

	var store *core.Store
	if historyPath != "" {
		if store, err = core.NewStore(ctx, historyPath); err != nil {
			return err
		}
		defer store.Close()
		options = append(options, core.WithHistory(store))
	}
	if upload.Enabled() {
		pub, err := core.NewSFTPPublisher(upload, logger)
		if err != nil {
			return err
		}
		options = append(options, core.WithPublisher(pub))
	}

	var server *telemetry.StatusServer
	if monitorAddr != "" {
		collector := telemetry.NewCollector(true, cfg.Monitor.FlushInterval, logger)
		defer collector.Shutdown()
		monitor := telemetry.NewRunMonitor(collector)
		server = telemetry.NewStatusServer(monitorAddr, collector, monitor, logger)
		if store != nil {
			server.RegisterHealthCheck("history", historyHealthCheck(store))
		}
		options = append(options, core.WithMonitor(monitor))
	}

	orch := core.NewOrchestrator(opts, logger, options...)
	var result api.RunResult
	g, gctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(server.Start)
	}
	g.Go(func() error {
		var runErr error
		result, runErr = orch.Run(gctx, specs, poolSize)
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}
		return runErr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), result)
	if !result.OK() {
		return core.ErrBatchesFailed
	}
	return nil
}

func historyHealthCheck(store *core.Store) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		start := time.Now()
		check := telemetry.HealthCheck{Name: "history", Status: telemetry.HealthStatusHealthy, Message: "history database reachable", LastChecked: start}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			check.Status = telemetry.HealthStatusDegraded
			check.Message = err.Error()
		}
		check.Duration = time.Since(start)
		return check
	}
}

func printSummary(w io.Writer, result api.RunResult) {
	succeeded, failed := result.Succeeded(), result.Failed()
	fmt.Fprintf(w, "%s batches: %d succeeded, %d failed\n", humanize.Comma(int64(result.Len())), len(succeeded), len(failed))
	for _, n := range failed {
		o := result.Outcomes[n]
		fmt.Fprintf(w, "  batch %d failed: %s\n", n, o.Reason)
	}
}

// Print the worker invocations without running them
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the worker command line of every batch without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := resolveBuildInputs(cmd)
			if err != nil {
				return err
			}
			rows, err := manifest.Load(in.manifest)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, spec := range core.BuildAll(rows, in.run) {
				fmt.Fprintf(out, "%d\t%s\n", spec.BatchNumber, strings.Join(spec.CommandLine(), " "))
			}
			return nil
		},
	}
	addBuildFlags(cmd)
	return cmd
}

// Show recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or the batches of one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			path := cfg.History.Path
			if cmd.Flags().Changed("history") {
				path, _ = cmd.Flags().GetString("history")
			}
			if path == "" {
				return fmt.Errorf("no history database configured (use --history)")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			store, err := core.NewStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer store.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if runID, _ := cmd.Flags().GetString("run"); runID != "" {
				batches, err := store.RunBatches(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if len(batches) == 0 {
					return fmt.Errorf("run %s not found", runID)
				}
				fmt.Fprintln(tw, "BATCH\tPROJECT\tCATEGORY\tSTATUS\tEXIT\tDURATION\tREASON")
				for _, b := range batches {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n", b.BatchNumber, b.Project, b.Category, b.Status, b.ExitCode, b.Duration, b.Reason)
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSUCCEEDED\tFAILED\tPOOL\tMANIFEST")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, humanize.Time(r.StartedAt), r.Status, r.Succeeded, r.Failed, r.PoolSize, r.Manifest)
			}
			return nil
		},
	}
	cmd.Flags().String("history", "", "SQLite history file")
	cmd.Flags().String("run", "", "show the batches of this run id")
	cmd.Flags().Int("limit", 20, "number of runs to list (0 for all)")
	return cmd
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
