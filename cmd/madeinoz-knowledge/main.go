package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/classifier"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/config"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/decay"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/health"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/maintenance"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/memory"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/recall"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/runlog"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "madeinoz-knowledge",
		Short: "Knowledge graph memory with decay scoring and lifecycle management",
		Long: "Scores how stale each memory is, moves memories through a retention lifecycle " +
			"(ACTIVE, DORMANT, ARCHIVED, EXPIRED, SOFT_DELETED), ranks search results by relevance, " +
			"recency and importance, and runs batched maintenance over the graph.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if loaded == nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
			if err != nil {
				// Invalid sections were replaced by defaults; keep running but make it loud.
				newLogger().Error("configuration rejected, defaults in effect", "error", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		maintenanceCmd(),
		healthCmd(),
		statsCmd(),
		storeCmd(),
		getCmd(),
		searchCmd(),
		listCmd(),
		forgetCmd(),
		mcpCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg != nil && cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newStore(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("using in-memory store, memories are lost on exit")
		return store.NewMockStore(), nil
	}
	st, err := store.NewNeo4jStore(ctx, cfg.Neo4j, logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return st, nil
}

func newClassifier(m *metrics.Manager, logger *slog.Logger) classifier.Classifier {
	var backend classifier.Classifier = classifier.NewHeuristicClassifier(logger)
	if cfg.Classifier.Backend == config.ClassifierClaude {
		backend = classifier.NewClaudeClassifier(cfg.Claude.APIKey, cfg.Claude.Model, logger)
	}
	return classifier.NewGuarded(backend, cfg.Classifier.Guard, m, logger)
}

// runtime is the fully wired engine shared by the commands.
type runtime struct {
	logger    *slog.Logger
	metrics   *metrics.Manager
	store     store.Store
	memories  *memory.Service
	runlog    *runlog.BadgerRunLog // nil when the run log could not be opened
	scheduler *maintenance.Scheduler
	health    *health.Reporter
}

func newRuntime(ctx context.Context, logger *slog.Logger) (*runtime, error) {
	m := metrics.NewManager(cfg.Metrics)

	st, err := newStore(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	scorer := decay.NewScorer(cfg.Decay.BaseHalfLifeDays, cfg.Decay.ImportanceDampening)
	lm := lifecycle.NewManager(scorer, cfg.Lifecycle, m, logger)
	rk := recall.NewRanker(cfg.Weights, m, logger)

	rt := &runtime{
		logger:   logger,
		metrics:  m,
		store:    st,
		memories: memory.NewService(st, newClassifier(m, logger), lm, rk, logger),
	}

	var opts []maintenance.Option
	rl, err := runlog.Open(cfg.RunLog, logger)
	if err != nil {
		logger.Warn("run log unavailable, maintenance history will not be kept", "error", err)
	} else {
		rt.runlog = rl
		opts = append(opts, maintenance.WithRecorder(rl))
	}

	// The reporter refreshes its gauges after every run and reads the scheduler's last run.
	var reporter *health.Reporter
	opts = append(opts, maintenance.WithObserver(func(run models.MaintenanceRun) { reporter.Observe(run) }))
	rt.scheduler = maintenance.NewScheduler(st, lm, cfg.Maintenance, m, logger, opts...)
	reporter = health.NewReporter(rt.scheduler, st, m, logger)
	rt.health = reporter

	if rl != nil {
		last, latestErr := rl.Latest(ctx)
		switch {
		case latestErr == nil:
			rt.health.Seed(*last)
		case !errors.Is(latestErr, runlog.ErrEmpty):
			logger.Warn("reading last maintenance run", "error", latestErr)
		}
	}

	return rt, nil
}

// Close releases the store and run log.
func (rt *runtime) Close() {
	if rt.runlog != nil {
		if err := rt.runlog.Close(); err != nil {
			rt.logger.Warn("closing run log", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing store", "error", err)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return s
}
