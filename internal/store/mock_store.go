package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

// MockStore is an in-memory implementation of Store for tests and local runs.
type MockStore struct {
	mu       sync.RWMutex
	memories map[string]models.Memory
	now      func() time.Time
}

// NewMockStore creates a new mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		memories: make(map[string]models.Memory),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new memory in the mock store.
func (m *MockStore) Create(_ context.Context, memory models.Memory) (*models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[memory.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, memory.ID)
	}
	memory = memory.Clone()
	memory.Version = 1
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = m.now()
	}
	m.memories[memory.ID] = memory
	out := memory.Clone()
	return &out, nil
}

// Get retrieves a single memory by ID.
func (m *MockStore) Get(_ context.Context, id string) (*models.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.memories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := mem.Clone()
	return &out, nil
}

// Update replaces a memory when the stored version matches.
func (m *MockStore) Update(_ context.Context, memory models.Memory, expectedVersion int64) (*models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.memories[memory.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, memory.ID)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s (stored %d, expected %d)", ErrVersionConflict, memory.ID, cur.Version, expectedVersion)
	}
	memory = memory.Clone()
	memory.Version = cur.Version + 1
	memory.UpdatedAt = m.now()
	m.memories[memory.ID] = memory
	out := memory.Clone()
	return &out, nil
}

// Delete removes a memory by ID.
func (m *MockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.memories, id)
	return nil
}

// List returns memories matching filters with cursor-based pagination.
func (m *MockStore) List(_ context.Context, filters *Filters, limit uint64, cursor string) ([]models.Memory, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]models.Memory, 0, len(m.memories))
	for _, mem := range m.memories {
		if mem.ID <= cursor || !filters.Matches(mem) {
			continue
		}
		all = append(all, mem.Clone())
	}

	// Sort by ID for deterministic pagination.
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var nextCursor string
	if limit > 0 && uint64(len(all)) > limit {
		all = all[:limit]
		nextCursor = all[len(all)-1].ID
	}

	return all, nextCursor, nil
}

// Search scores memories by token overlap with the query.
func (m *MockStore) Search(_ context.Context, query string, limit uint64) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := tokenize(query)
	var results []models.SearchResult
	for _, mem := range m.memories {
		if mem.LifecycleState == models.StateSoftDeleted {
			continue
		}
		score := overlap(q, tokenize(mem.Content))
		if score <= 0 {
			continue
		}
		results = append(results, models.SearchResult{Memory: mem.Clone(), Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})

	if limit > 0 && uint64(len(results)) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats returns collection statistics computed from the in-memory store.
func (m *MockStore) Stats(_ context.Context) (*models.CollectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.NewCollectionStats()
	var decaySum, impSum, stabSum float64
	for _, mem := range m.memories {
		stats.ByState[mem.LifecycleState]++
		if mem.LifecycleState == models.StateSoftDeleted {
			continue
		}
		stats.TotalMemories++
		decaySum += mem.DecayScore
		impSum += float64(mem.Importance)
		stabSum += float64(mem.Stability)
	}
	if stats.TotalMemories > 0 {
		n := float64(stats.TotalMemories)
		stats.AvgDecayScore = decaySum / n
		stats.AvgImportance = impSum / n
		stats.AvgStability = stabSum / n
	}
	return stats, nil
}

// Len returns the number of stored records, soft-deleted included.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memories)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// --- helpers ---

func tokenize(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// overlap returns the fraction of query tokens present in the document.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
