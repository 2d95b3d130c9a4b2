package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

const (
	interruptDeadline = "time budget exhausted"
	interruptCanceled = "run canceled"
)

// liveFilter selects every record the batch pass evaluates.
var liveFilter = &store.Filters{ExcludeStates: []models.LifecycleState{models.StateSoftDeleted}}

// runner holds the mutable state of one run. It is only used under Scheduler.runMu.
type runner struct {
	s         *Scheduler
	ctx       context.Context
	deadline  time.Time
	dryRun    bool
	run       models.MaintenanceRun
	interrupt string
}

// checkInterrupt records why the run must stop, if it must.
func (r *runner) checkInterrupt() bool {
	if r.interrupt != "" {
		return true
	}
	if r.ctx.Err() != nil {
		r.interrupt = interruptCanceled
		return true
	}
	if !r.s.now().Before(r.deadline) {
		r.interrupt = interruptDeadline
		return true
	}
	return false
}

// processBatch evaluates up to BatchSize live records after the saved cursor.
// It returns an error only when the very first fetch fails.
func (r *runner) processBatch() error {
	s := r.s
	cursor := s.cursor
	first := true

	for r.run.MemoriesProcessed < s.cfg.BatchSize {
		if r.checkInterrupt() {
			break
		}

		limit := min(s.cfg.PageSize, s.cfg.BatchSize-r.run.MemoriesProcessed)
		page, next, err := s.store.List(r.ctx, liveFilter, uint64(limit), cursor)
		if err != nil {
			if r.checkInterrupt() {
				break
			}
			if first {
				if !errors.Is(err, store.ErrUnavailable) {
					err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
				}
				return fmt.Errorf("fetching batch: %w", err)
			}
			r.interrupt = fmt.Sprintf("fetching batch: %v", err)
			s.logger.Error("maintenance fetch failed mid-run", "run_id", r.run.RunID, "cursor", cursor, "error", err)
			break
		}
		first = false

		for _, mem := range page {
			if r.checkInterrupt() {
				break
			}
			r.processRecord(mem)
			cursor = mem.ID
			r.run.MemoriesProcessed++
		}
		if r.interrupt != "" {
			break
		}

		if next == "" {
			// Store exhausted: the next run starts from the beginning.
			cursor = ""
			break
		}
	}

	s.cursor = cursor
	return nil
}

// processRecord re-scores one memory and writes it back if anything changed.
func (r *runner) processRecord(mem models.Memory) {
	s := r.s
	if err := mem.Validate(); err != nil {
		s.logger.Warn("skipping invalid memory", "run_id", r.run.RunID, "id", mem.ID, "error", err)
		r.run.RecordsSkipped++
		return
	}

	d := s.lifecycle.Evaluate(mem, s.now())
	if !d.Changed() {
		return
	}

	if r.dryRun {
		r.count(d)
		s.logger.Debug("dry run: would update memory", "id", mem.ID, "from", d.From, "to", d.To, "decay_score", d.Memory.DecayScore)
		return
	}

	switch err := r.persist(d.Memory, mem.Version); {
	case err == nil:
		r.count(d)
		s.lifecycle.Applied(d)
	case errors.Is(err, store.ErrVersionConflict):
		// The record was accessed after we read it; the access path's write stands.
		s.logger.Debug("memory changed during maintenance, leaving it to the next run", "id", mem.ID)
	case errors.Is(err, store.ErrNotFound):
		s.logger.Debug("memory deleted during maintenance", "id", mem.ID)
	default:
		r.run.RecordsSkipped++
		s.metrics.RecordPersistFailure()
		s.logger.Error("persisting memory failed, skipping", "run_id", r.run.RunID, "id", mem.ID, "error", err)
	}
}

func (r *runner) count(d lifecycle.Decision) {
	if d.Transitioned {
		r.run.StateTransitions++
	}
	if d.DecayChanged {
		r.run.DecayScoresUpdated++
	}
}

// persist writes with bounded retries. The write ignores run cancellation so
// an in-flight record is never left half-applied.
func (r *runner) persist(mem models.Memory, expectedVersion int64) error {
	s := r.s
	var lastErr error
	for attempt := 1; attempt <= s.cfg.PersistRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
		_, err := s.store.Update(ctx, mem, expectedVersion)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		lastErr = err
		s.logger.Warn("persist attempt failed", "id", mem.ID, "attempt", attempt, "error", err)

		if attempt < s.cfg.PersistRetries && s.cfg.RetryBackoff > 0 {
			select {
			case <-r.ctx.Done():
				return fmt.Errorf("retry aborted: %w", lastErr)
			case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.cfg.PersistRetries, lastErr)
}

// purge permanently deletes soft-deleted memories past retention.
func (r *runner) purge() {
	s := r.s
	cursor := ""
	filter := store.StateFilter(models.StateSoftDeleted)

	for {
		if r.checkInterrupt() {
			return
		}
		page, next, err := s.store.List(r.ctx, filter, uint64(s.cfg.PageSize), cursor)
		if err != nil {
			if r.checkInterrupt() {
				return
			}
			r.interrupt = fmt.Sprintf("listing soft-deleted memories: %v", err)
			s.logger.Error("purge listing failed", "run_id", r.run.RunID, "error", err)
			return
		}

		for _, mem := range page {
			if r.checkInterrupt() {
				return
			}
			if !s.lifecycle.ShouldPurge(mem, s.now()) {
				continue
			}
			if r.dryRun {
				r.run.SoftDeletedPurged++
				continue
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
			err := s.store.Delete(ctx, mem.ID)
			cancel()
			switch {
			case err == nil:
				r.run.SoftDeletedPurged++
				s.logger.Debug("purged memory", "id", mem.ID, "soft_deleted_at", mem.SoftDeletedAt)
			case errors.Is(err, store.ErrNotFound):
			default:
				r.run.RecordsSkipped++
				s.metrics.RecordPersistFailure()
				s.logger.Error("purging memory failed", "run_id", r.run.RunID, "id", mem.ID, "error", err)
			}
		}

		if next == "" {
			return
		}
		cursor = next
	}
}
