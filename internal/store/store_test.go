package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

func newMemory(id, content string, state models.LifecycleState) models.Memory {
	now := time.Now().UTC()
	return models.Memory{
		ID:             id,
		Content:        content,
		Importance:     3,
		Stability:      3,
		LifecycleState: state,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestMockStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	created, err := s.Create(ctx, newMemory("m1", "go channels", models.StateActive))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "go channels", got.Content)

	_, err = s.Create(ctx, newMemory("m1", "dup", models.StateActive))
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMockStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	mem := newMemory("m1", "x", models.StateSoftDeleted)
	at := time.Now().UTC()
	mem.SoftDeletedAt = &at
	_, err := s.Create(ctx, mem)
	require.NoError(t, err)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	*got.SoftDeletedAt = at.Add(time.Hour)
	got.Content = "mutated"

	again, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Content)
	assert.Equal(t, at, *again.SoftDeletedAt)
}

func TestMockStore_UpdateVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	_, err := s.Create(ctx, newMemory("m1", "x", models.StateActive))
	require.NoError(t, err)

	mem, err := s.Get(ctx, "m1")
	require.NoError(t, err)

	mem.DecayScore = 0.4
	updated, err := s.Update(ctx, *mem, mem.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 0.4, updated.DecayScore)

	// A stale writer loses.
	mem.DecayScore = 0.9
	_, err = s.Update(ctx, *mem, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.DecayScore)

	_, err = s.Update(ctx, newMemory("nope", "", models.StateActive), 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMockStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	_, err := s.Create(ctx, newMemory("m1", "x", models.StateActive))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "m1"))
	assert.Equal(t, 0, s.Len())
	assert.True(t, errors.Is(s.Delete(ctx, "m1"), ErrNotFound))
}

func TestMockStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	for i := 0; i < 25; i++ {
		_, err := s.Create(ctx, newMemory(fmt.Sprintf("m%03d", i), "x", models.StateActive))
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, next, err := s.List(ctx, nil, 10, cursor)
		require.NoError(t, err)
		pages++
		for _, m := range page {
			seen = append(seen, m.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, 3, pages)
	require.Len(t, seen, 25)
	assert.Equal(t, "m000", seen[0])
	assert.Equal(t, "m024", seen[24])

	// A cursor that no longer exists still resumes after its position.
	require.NoError(t, s.Delete(ctx, "m010"))
	page, _, err := s.List(ctx, nil, 2, "m010")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m011", page[0].ID)
}

func TestMockStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	for i, st := range []models.LifecycleState{models.StateActive, models.StateDormant, models.StateSoftDeleted, models.StateDormant} {
		_, err := s.Create(ctx, newMemory(fmt.Sprintf("m%d", i), "x", st))
		require.NoError(t, err)
	}

	dormant, _, err := s.List(ctx, StateFilter(models.StateDormant), 0, "")
	require.NoError(t, err)
	assert.Len(t, dormant, 2)

	live, _, err := s.List(ctx, &Filters{ExcludeStates: []models.LifecycleState{models.StateSoftDeleted}}, 0, "")
	require.NoError(t, err)
	assert.Len(t, live, 3)
}

func TestMockStore_Search(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	_, _ = s.Create(ctx, newMemory("a", "Go channels and goroutines", models.StateActive))
	_, _ = s.Create(ctx, newMemory("b", "channels in Go", models.StateDormant))
	_, _ = s.Create(ctx, newMemory("c", "python decorators", models.StateActive))
	_, _ = s.Create(ctx, newMemory("d", "go goroutines channels", models.StateSoftDeleted))

	results, err := s.Search(ctx, "go goroutines", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)

	limited, err := s.Search(ctx, "go", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMockStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	a := newMemory("a", "x", models.StateActive)
	a.DecayScore, a.Importance, a.Stability = 0.2, 2, 4
	b := newMemory("b", "x", models.StateDormant)
	b.DecayScore, b.Importance, b.Stability = 0.4, 4, 2
	c := newMemory("c", "x", models.StateSoftDeleted)
	c.DecayScore = 1
	for _, m := range []models.Memory{a, b, c} {
		_, err := s.Create(ctx, m)
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMemories)
	assert.Equal(t, int64(1), stats.ByState[models.StateSoftDeleted])
	assert.Equal(t, int64(0), stats.ByState[models.StatePermanent])
	assert.Len(t, stats.ByState, len(models.ValidLifecycleStates))
	assert.InDelta(t, 0.3, stats.AvgDecayScore, 1e-9)
	assert.InDelta(t, 3.0, stats.AvgImportance, 1e-9)
	assert.InDelta(t, 3.0, stats.AvgStability, 1e-9)
}

func TestFiltersMatches(t *testing.T) {
	src := "slack"
	mem := newMemory("m", "x", models.StateArchived)
	mem.Source = src

	var nilFilter *Filters
	assert.True(t, nilFilter.Matches(mem))
	assert.True(t, StateFilter(models.StateArchived, models.StateDormant).Matches(mem))
	assert.False(t, StateFilter(models.StateActive).Matches(mem))
	assert.False(t, (&Filters{ExcludeStates: []models.LifecycleState{models.StateArchived}}).Matches(mem))
	assert.True(t, (&Filters{Source: &src}).Matches(mem))
	other := "email"
	assert.False(t, (&Filters{Source: &other}).Matches(mem))
}

func TestNodePropsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	deleted := now.Add(time.Hour)
	mem := models.Memory{
		ID:             "id-1",
		Content:        "content",
		Source:         "cli",
		Importance:     4,
		Stability:      2,
		DecayScore:     0.42,
		LifecycleState: models.StateSoftDeleted,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		SoftDeletedAt:  &deleted,
		AccessCount:    7,
		Version:        3,
	}

	got := nodeToMemory(memoryToProps(mem))
	assert.Equal(t, mem, *got)

	mem.SoftDeletedAt = nil
	props := memoryToProps(mem)
	assert.Nil(t, props["soft_deleted_at"])
	delete(props, "soft_deleted_at")
	assert.Nil(t, nodeToMemory(props).SoftDeletedAt)
}

func TestEscapeLucene(t *testing.T) {
	assert.Equal(t, `go \+ rust \(fast\)\?`, escapeLucene("go + rust (fast)?"))
	assert.Equal(t, `a\:b \\ c`, escapeLucene(`a:b \ c`))
	assert.Equal(t, "plain words", escapeLucene("plain words"))
}
