package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"faceforge/internal/batch"
	"faceforge/internal/blob"
	"faceforge/internal/config"
	"faceforge/internal/engine"
	"faceforge/internal/ingest"
	"faceforge/internal/pipeline"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
	"faceforge/internal/sweeper"
	"faceforge/internal/tasks"
)

// Root wires CLI commands to the service components.
type Root struct {
	cfg *config.Config
	log *slog.Logger
	clk clock.Clock
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{cfg: cfg, log: logger, clk: clock.New()}
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	root := NewRoot(cfg, logger)

	rootCmd := &cobra.Command{
		Use:   "faceforge",
		Short: "Faceforge is a face swap task orchestration service",
		Long: `Faceforge manages face swap workloads: it registers source photos and
templates, preprocesses templates, and fans batch requests out into
individually tracked swap tasks with storage reclamation sweeps.`,
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newSweepCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// openStore opens the metadata database and blob store from config.
func (r *Root) openStore() (*storage.Store, blob.Store, error) {
	if err := os.MkdirAll(r.cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.New(r.cfg.Storage.DatabasePath, r.clk)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	blobs := blob.NewFS(filepath.Join(r.cfg.Storage.DataDir, "blobs"))
	return store, blobs, nil
}

func newServeCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the swap pipeline with sweeps and ingest",
		Long: `Start the worker pipeline, the periodic reclamation sweeper and,
when enabled in configuration, the drop-directory ingest watcher.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, blobs, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			remote := engine.NewRemote(root.cfg.Engine.BaseURL,
				time.Duration(root.cfg.Engine.TimeoutSeconds)*time.Second,
				root.cfg.Engine.APIKey, root.log)

			tempTTL := time.Duration(root.cfg.Retention.TempExpiryHours) * time.Hour
			reg := registry.New(store, blobs, root.clk, tempTTL, root.log)
			pre := tasks.NewPreprocessor(store, reg, blobs, remote, root.log)
			exec := tasks.NewExecutor(store, reg, blobs, remote, remote, root.log)

			pipe := pipeline.New(ctx, root.cfg.Pipeline.Workers, root.cfg.Pipeline.QueueDepth, root.log, pre, exec)
			defer pipe.Stop()

			orch := batch.New(store, pipe, root.clk, root.log)

			sw := sweeper.New(store, blobs, root.clk, root.log)
			go sw.Run(ctx,
				time.Duration(root.cfg.Retention.SweepIntervalMinutes)*time.Minute,
				time.Duration(root.cfg.Retention.StaleResultHours)*time.Hour)

			if root.cfg.Ingest.Enabled {
				watcher := ingest.New(store, reg, pre, root.cfg.Ingest.WatchDir, root.cfg.Ingest.GroupTag, root.log)
				go func() {
					if err := watcher.Run(ctx); err != nil {
						root.log.Error("ingest watcher exited", "error", err)
					}
				}()
			}

			// Drain results so finished swaps stamp their batch right
			// away instead of waiting for the next status poll.
			results, unsub := pipe.Subscribe()
			defer unsub()
			go func() {
				for res := range results {
					if res.Job.Kind != pipeline.JobSwap {
						continue
					}
					task, err := store.GetTask(res.Job.TaskID)
					if err != nil || task.BatchID == "" {
						continue
					}
					if _, err := orch.Status(ctx, task.BatchID); err != nil {
						root.log.Warn("could not refresh batch status", "batch", task.BatchID, "error", err)
					}
				}
			}()

			root.log.Info("faceforge serving",
				"workers", root.cfg.Pipeline.Workers,
				"engine", root.cfg.Engine.BaseURL,
				"data_dir", root.cfg.Storage.DataDir,
			)
			<-ctx.Done()
			root.log.Info("shutting down")
			return nil
		},
	}
	return cmd
}

func newSweepCmd(root *Root) *cobra.Command {
	var (
		dryRun    bool
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep <expired|stale|orphans|all>",
		Short: "Reclaim expired, stale or orphaned storage",
		Long: `Run one reclamation sweep and print its report.

Examples:
  # Preview what an expiry sweep would delete
  faceforge sweep expired --dry-run

  # Reclaim results of tasks finished more than a week ago
  faceforge sweep stale --older-than 168h

  # Everything at once
  faceforge sweep all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, blobs, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			sw := sweeper.New(store, blobs, root.clk, root.log)

			var rep *sweeper.Report
			switch args[0] {
			case "expired":
				rep, err = sw.SweepExpiredTemporary(ctx, dryRun)
			case "stale":
				rep, err = sw.SweepStaleResults(ctx, olderThan, dryRun)
			case "orphans":
				rep, err = sw.SweepOrphans(ctx, dryRun)
			case "all":
				rep, err = sw.SweepAll(ctx, olderThan, dryRun)
			default:
				return fmt.Errorf("unknown sweep: %s", args[0])
			}
			if err != nil {
				return err
			}

			verb := "deleted"
			if rep.DryRun {
				verb = "would delete"
			}
			fmt.Printf("Sweep %s %d item(s), %d bytes\n", verb, rep.DeletedCount, rep.ReclaimedBytes)
			for _, e := range rep.Errors {
				fmt.Printf("  error: %s: %s\n", e.ID, e.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting anything")
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "stale result age threshold")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		limit  int
		offset int
		state  string
	)

	cmd := &cobra.Command{
		Use:   "status [batch_id]",
		Short: "Show batch status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			orch := batch.New(store, nil, root.clk, root.log)

			if len(args) == 1 {
				st, err := orch.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printBatch(st)
				children, err := orch.Tasks(ctx, args[0])
				if err != nil {
					return err
				}
				for _, t := range children {
					fmt.Printf("  %s  %-10s %3d%%  template=%s", t.ID, t.State, t.Progress, t.TemplateID)
					if t.ErrorDetail != "" {
						fmt.Printf("  (%s)", t.ErrorDetail)
					}
					fmt.Println()
				}
				return nil
			}

			batches, err := orch.List(ctx, batch.State(state), limit, offset)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				fmt.Println("No batches found")
				return nil
			}
			for i := range batches {
				printBatch(&batches[i])
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum batches to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "listing offset")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending|processing|completed|failed|canceled)")

	return cmd
}

func printBatch(st *batch.Status) {
	fmt.Printf("%s  %-10s %6.2f%%  %d/%d completed, %d failed, %d canceled  created=%s\n",
		st.ID, st.State, st.ProgressPercent,
		st.CompletedTasks, st.TotalTasks, st.FailedTasks, st.CanceledTasks,
		st.CreatedAt.Format(time.RFC3339))
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or initialize faceforge configuration",
	}

	// config show subcommand
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("FACEFORGE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/faceforge/config.json"
			}
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Config file: %s\n", cfgPath)
			fmt.Printf("Data Directory: %s\n", root.cfg.Storage.DataDir)
			fmt.Printf("Database Path: %s\n", root.cfg.Storage.DatabasePath)
			fmt.Printf("Workers: %d\n", root.cfg.Pipeline.Workers)
			fmt.Printf("Queue Depth: %d\n", root.cfg.Pipeline.QueueDepth)
			fmt.Printf("Engine URL: %s\n", root.cfg.Engine.BaseURL)
			fmt.Printf("Temp Expiry: %dh\n", root.cfg.Retention.TempExpiryHours)
			fmt.Printf("Stale Results: %dh\n", root.cfg.Retention.StaleResultHours)
			fmt.Printf("Sweep Interval: %dm\n", root.cfg.Retention.SweepIntervalMinutes)
			fmt.Printf("Ingest Enabled: %t\n", root.cfg.Ingest.Enabled)
			if root.cfg.Ingest.Enabled {
				fmt.Printf("Ingest Directory: %s\n", root.cfg.Ingest.WatchDir)
			}
			fmt.Printf("Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Directory: %s\n", root.cfg.Logging.LogDir)
			return nil
		},
	}

	// config init subcommand
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(root.cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Faceforge v1.0.0\n")
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
