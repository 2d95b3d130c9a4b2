// Package memory is the access and ingestion path. Every read that returns a
// memory to a caller counts as an access and goes through the lifecycle
// manager, so dormant and archived memories come back to ACTIVE as soon as
// they are used.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/classifier"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/decay"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/recall"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

// ErrInvalidInput is returned for requests that fail validation.
var ErrInvalidInput = errors.New("invalid input")

const (
	// maxAccessAttempts bounds the read-modify-write loop of an access.
	maxAccessAttempts = 5

	// DefaultSearchLimit is used when a search does not name a limit.
	DefaultSearchLimit = 10

	// candidatePoolFactor widens the store query so re-ranking can promote
	// results the raw similarity order would have cut.
	candidatePoolFactor = 3
	minCandidatePool    = 50
)

// RememberRequest describes a new memory. Zero importance and stability ask
// the classifier to assign them.
type RememberRequest struct {
	Content    string `json:"content"`
	Source     string `json:"source,omitempty"`
	Importance int    `json:"importance,omitempty"`
	Stability  int    `json:"stability,omitempty"`
}

// Service ties the store, classifier, lifecycle manager and ranker together.
type Service struct {
	store      store.Store
	classifier classifier.Classifier
	lifecycle  *lifecycle.Manager
	ranker     *recall.Ranker
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the access path.
func NewService(st store.Store, cl classifier.Classifier, lm *lifecycle.Manager, rk *recall.Ranker, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		classifier: cl,
		lifecycle:  lm,
		ranker:     rk,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Remember classifies and stores new content. Memories that qualify as
// permanent are created in the PERMANENT state, all others start ACTIVE.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (*models.Memory, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	imp, stab := req.Importance, req.Stability
	if imp == 0 && stab == 0 {
		c, err := s.classifier.Classify(ctx, content)
		if err != nil || c.Validate() != nil {
			s.logger.Warn("classification failed, using defaults", "error", err)
			c = classifier.Default()
		}
		imp, stab = c.Importance, c.Stability
	} else if err := decay.Validate(imp, stab); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	state := models.StateActive
	if models.IsPermanent(imp, stab) {
		state = models.StatePermanent
	}

	now := s.now()
	mem := models.Memory{
		ID:             uuid.NewString(),
		Content:        content,
		Source:         req.Source,
		Importance:     imp,
		Stability:      stab,
		LifecycleState: state,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}

	created, err := s.store.Create(ctx, mem)
	if err != nil {
		return nil, fmt.Errorf("storing memory: %w", err)
	}
	s.logger.Info("memory stored", "id", created.ID, "importance", imp, "stability", stab, "state", state)
	return created, nil
}

// Get returns a memory and records the access. Soft-deleted memories are
// reported as not found.
func (s *Service) Get(ctx context.Context, id string) (*models.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.access(ctx, id)
}

// access applies OnAccess with optimistic concurrency. A version conflict
// means another writer got there first, so the record is re-read and the
// access re-applied on top of it.
func (s *Service) access(ctx context.Context, id string) (*models.Memory, error) {
	for attempt := 1; attempt <= maxAccessAttempts; attempt++ {
		mem, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if mem.LifecycleState == models.StateSoftDeleted {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}

		d := s.lifecycle.OnAccess(*mem, s.now())
		if !d.Changed() {
			return mem, nil
		}

		updated, err := s.store.Update(ctx, d.Memory, mem.Version)
		switch {
		case err == nil:
			s.lifecycle.Applied(d)
			return updated, nil
		case errors.Is(err, store.ErrVersionConflict):
			s.logger.Debug("access raced another write, retrying", "id", id, "attempt", attempt)
		default:
			return nil, fmt.Errorf("recording access to %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("recording access to %s after %d attempts: %w", id, maxAccessAttempts, store.ErrVersionConflict)
}

// Search ranks candidates by the weighted blend and records an access on every
// memory returned. Ranking uses the values read before the access.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.RankedResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	pool := max(limit*candidatePoolFactor, minCandidatePool)
	candidates, err := s.store.Search(ctx, query, uint64(pool))
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}

	ranked := s.ranker.Rank(candidates)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := ranked[:0]
	for _, rr := range ranked {
		mem, err := s.access(ctx, rr.Memory.ID)
		switch {
		case err == nil:
			rr.Memory = *mem
		case errors.Is(err, store.ErrNotFound):
			// Deleted or purged since the search.
			continue
		default:
			s.logger.Warn("recording search access failed", "id", rr.Memory.ID, "error", err)
		}
		out = append(out, rr)
	}
	return out, nil
}

// Forget permanently deletes a memory.
func (s *Service) Forget(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("memory forgotten", "id", id)
	return nil
}

// List pages through memories without recording access.
func (s *Service) List(ctx context.Context, filters *store.Filters, limit uint64, cursor string) ([]models.Memory, string, error) {
	return s.store.List(ctx, filters, limit, cursor)
}

// Stats returns collection statistics.
func (s *Service) Stats(ctx context.Context) (*models.CollectionStats, error) {
	return s.store.Stats(ctx)
}
