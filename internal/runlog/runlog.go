// Package runlog keeps an append-only history of finalized maintenance runs in Badger.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

const runKeyPrefix = "run:"

// ErrEmpty is returned by Latest when no run has been recorded.
var ErrEmpty = errors.New("runlog: no runs recorded")

// Config holds configuration for the run log.
type Config struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	MaxEntries int    `mapstructure:"max_entries"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// DefaultConfig returns the default run log configuration.
func DefaultConfig() Config {
	return Config{
		Path:       "",
		InMemory:   true,
		MaxEntries: 1000,
	}
}

// BadgerRunLog stores maintenance runs keyed by start time.
type BadgerRunLog struct {
	db         *badger.DB
	maxEntries int
	logger     *slog.Logger
}

// Open opens (or creates) the run log.
func Open(cfg Config, logger *slog.Logger) (*BadgerRunLog, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil).WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory || cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening run log at %q: %w", cfg.Path, err)
	}

	logger.Debug("run log opened", "path", cfg.Path, "in_memory", opts.InMemory)
	return &BadgerRunLog{db: db, maxEntries: cfg.MaxEntries, logger: logger}, nil
}

// runKey orders runs by start time; the run ID disambiguates equal timestamps.
func runKey(run models.MaintenanceRun) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", runKeyPrefix, run.StartedAt.UnixNano(), run.RunID))
}

// Append persists one finalized run and trims the oldest entries beyond MaxEntries.
func (l *BadgerRunLog) Append(ctx context.Context, run models.MaintenanceRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.RunID, err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return txn.Set(runKey(run), data)
	})
	if err != nil {
		return fmt.Errorf("appending run %s: %w", run.RunID, err)
	}

	if l.maxEntries > 0 {
		if err := l.trim(); err != nil {
			l.logger.Warn("run log trim failed", "error", err)
		}
	}
	return nil
}

// Latest returns the most recently started run.
func (l *BadgerRunLog) Latest(ctx context.Context) (*models.MaintenanceRun, error) {
	runs, err := l.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrEmpty
	}
	return &runs[0], nil
}

// List returns up to limit runs, newest first. A non-positive limit returns all.
func (l *BadgerRunLog) List(ctx context.Context, limit int) ([]models.MaintenanceRun, error) {
	runs := make([]models.MaintenanceRun, 0)

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runKeyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key carrying the prefix.
		for it.Seek([]byte(runKeyPrefix + "\xff")); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var run models.MaintenanceRun
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &run) }); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (l *BadgerRunLog) trim() error {
	var stale [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runKeyPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek([]byte(runKeyPrefix + "\xff")); it.Valid(); it.Next() {
			n++
			if n > l.maxEntries {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (l *BadgerRunLog) Close() error {
	return l.db.Close()
}
