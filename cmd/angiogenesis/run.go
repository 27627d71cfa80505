package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/angiogenesis/internal/api"
	"github.com/talgya/angiogenesis/internal/config"
	"github.com/talgya/angiogenesis/internal/engine"
	"github.com/talgya/angiogenesis/internal/logging"
	"github.com/talgya/angiogenesis/internal/persistence"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		Long: `Run the simulation for --steps steps.

When the database already holds a run it is resumed from its last
checkpoint; otherwise a fresh scenario is built from the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fresh, _ := cmd.Flags().GetBool("fresh")
			return run(cmd.Context(), cfg, fresh)
		},
	}
	cmd.Flags().Int("steps", 0, "Steps to run (overrides run.steps)")
	cmd.Flags().Int64("seed", 0, "Random seed (overrides run.seed)")
	cmd.Flags().String("db", "", "SQLite database path (overrides storage.db_path)")
	cmd.Flags().Int("api-port", -1, "HTTP API port, 0 disables (overrides api.port)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().Duration("interval", 0, "Minimum wall time per step")
	cmd.Flags().Bool("fresh", false, "Ignore any saved run and start a new scenario")
	return cmd
}

// applyRunFlags overlays flags the user set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("steps") {
		cfg.Run.Steps, _ = f.GetInt("steps")
	}
	if f.Changed("seed") {
		cfg.Run.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("db") {
		cfg.Storage.DBPath, _ = f.GetString("db")
	}
	if f.Changed("api-port") {
		cfg.API.Port, _ = f.GetInt("api-port")
	}
	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("interval") {
		cfg.Run.Interval, _ = f.GetDuration("interval")
	}
}

func run(parent context.Context, cfg *config.Config, fresh bool) error {
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("angiogenesis starting", "version", version, "seed", cfg.Run.Seed, "steps", cfg.Run.Steps)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────
	db, err := openStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// ── Load or Build Scenario ───────────────────────────────────────
	sim, err := loadOrBuild(cfg, db, fresh)
	if err != nil {
		return err
	}
	sim.Metrics = engine.NewMetrics()

	if db != nil && sim.CurrentTick() == 0 {
		if err := db.SaveRun(sim); err != nil {
			return fmt.Errorf("initial save: %w", err)
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	var apiServer *api.Server
	if cfg.API.Port > 0 {
		adminKey := os.Getenv("ANGIO_ADMIN_KEY")
		if adminKey == "" {
			slog.Warn("ANGIO_ADMIN_KEY not set, admin POST endpoints disabled")
		}
		apiServer = &api.Server{Sim: sim, DB: db, Port: cfg.API.Port, AdminKey: adminKey}
		apiServer.Start()
	}

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine(sim)
	eng.Tick = sim.CurrentTick()
	eng.Interval = cfg.Run.Interval
	eng.ReportEvery = cfg.Run.ReportEvery
	eng.CheckpointEvery = cfg.Run.CheckpointEvery
	eng.OnReport = sim.LogReport
	if db != nil {
		eng.OnCheckpoint = func(tick uint64) error {
			if err := db.SaveRun(sim); err != nil {
				return fmt.Errorf("checkpoint at tick %d: %w", tick, err)
			}
			slog.Debug("checkpoint saved", "tick", tick)
			return nil
		}
	}

	runErr := eng.Run(ctx, cfg.Run.Steps)
	if ctx.Err() != nil {
		slog.Info("interrupted, shutting down", "tick", eng.Tick)
	}

	// Final save on shutdown. A failed step may leave the run half
	// applied, so the last checkpoint stands in that case.
	if db != nil && runErr == nil {
		slog.Info("final save...")
		if err := db.SaveRun(sim); err != nil {
			slog.Error("final save failed", "error", err)
			runErr = err
		}
	}
	sim.LogReport(eng.Tick)

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown", "error", err)
		}
	}
	return runErr
}

// openStore opens the run database at path. An empty path disables
// storage and returns a nil DB.
func openStore(path string) (*persistence.DB, error) {
	if path == "" {
		slog.Warn("no database path set, run will not be saved")
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(path)
	if err != nil {
		return nil, err
	}
	slog.Info("database opened", "path", path)
	return db, nil
}

// loadOrBuild resumes the stored run, or builds a fresh scenario when
// there is none, fresh is set or storage is disabled.
func loadOrBuild(cfg *config.Config, db *persistence.DB, fresh bool) (*engine.Simulation, error) {
	switch {
	case db == nil:
	case fresh:
		if err := db.Reset(); err != nil {
			return nil, fmt.Errorf("discard saved run: %w", err)
		}
	default:
		st, err := db.LoadRun()
		if err == nil {
			slog.Info("found saved run, resuming", "run_id", st.RunID, "tick", st.Tick)
			return engine.Restore(cfg, st)
		}
		if !errors.Is(err, persistence.ErrNoRun) {
			return nil, fmt.Errorf("load saved run: %w", err)
		}
	}
	slog.Info("building new scenario")
	return engine.BuildScenario(cfg)
}
