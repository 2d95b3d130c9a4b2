package store

import (
	"context"
	"errors"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

var (
	// ErrNotFound is returned by Get, Update and Delete when the requested memory does not exist.
	ErrNotFound = errors.New("memory not found")

	// ErrAlreadyExists is returned by Create when the ID is taken.
	ErrAlreadyExists = errors.New("memory already exists")

	// ErrVersionConflict is returned by Update when the stored version no longer
	// matches the expected version.
	ErrVersionConflict = errors.New("memory version conflict")

	// ErrUnavailable wraps transport and connectivity failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Store defines the persistence boundary for memories.
type Store interface {
	// Create inserts a new memory. The stored record starts at version 1.
	Create(ctx context.Context, memory models.Memory) (*models.Memory, error)

	// Get retrieves a single memory by ID.
	Get(ctx context.Context, id string) (*models.Memory, error)

	// Update replaces a memory if its stored version equals expectedVersion.
	// The returned record carries the new version.
	Update(ctx context.Context, memory models.Memory, expectedVersion int64) (*models.Memory, error)

	// Delete removes a memory by ID.
	Delete(ctx context.Context, id string) error

	// List returns memories ordered by ID, starting strictly after cursor.
	// Pass "" for the first page. The returned cursor is empty when no more results remain.
	List(ctx context.Context, filters *Filters, limit uint64, cursor string) ([]models.Memory, string, error)

	// Search returns memories matching the query with a similarity in [0,1],
	// highest first. SOFT_DELETED memories are never returned.
	Search(ctx context.Context, query string, limit uint64) ([]models.SearchResult, error)

	// Stats returns per-state counts and averages.
	Stats(ctx context.Context) (*models.CollectionStats, error)

	// Close cleans up resources.
	Close() error
}

// Filters narrows List results.
type Filters struct {
	// States keeps only memories in one of these states. Empty means any state.
	States []models.LifecycleState `json:"states,omitempty"`

	// ExcludeStates drops memories in any of these states.
	ExcludeStates []models.LifecycleState `json:"exclude_states,omitempty"`

	Source *string `json:"source,omitempty"`
}

// StateFilter returns filters selecting the given states.
func StateFilter(states ...models.LifecycleState) *Filters {
	return &Filters{States: states}
}

// Matches reports whether a memory passes the filters. A nil filter matches everything.
func (f *Filters) Matches(mem models.Memory) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 && !containsState(f.States, mem.LifecycleState) {
		return false
	}
	if containsState(f.ExcludeStates, mem.LifecycleState) {
		return false
	}
	if f.Source != nil && mem.Source != *f.Source {
		return false
	}
	return true
}

func containsState(states []models.LifecycleState, s models.LifecycleState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func stateStrings(states []models.LifecycleState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
