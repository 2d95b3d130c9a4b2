package memory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/classifier"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/decay"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/recall"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixedClassifier struct {
	c   classifier.Classification
	err error
}

func (f fixedClassifier) Classify(context.Context, string) (classifier.Classification, error) {
	return f.c, f.err
}

// racingStore lands a competing write just before the first access update.
type racingStore struct {
	store.Store
	raced atomic.Bool
}

func (r *racingStore) Update(ctx context.Context, mem models.Memory, expected int64) (*models.Memory, error) {
	if !r.raced.Swap(true) {
		cur, err := r.Store.Get(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		cur.DecayScore = 0.42
		if _, err := r.Store.Update(ctx, *cur, cur.Version); err != nil {
			return nil, err
		}
	}
	return r.Store.Update(ctx, mem, expected)
}

func newService(t *testing.T, st store.Store, cl classifier.Classifier) (*Service, *lifecycle.Manager) {
	t.Helper()
	if cl == nil {
		cl = classifier.NewHeuristicClassifier(testLogger())
	}
	lm := lifecycle.NewManager(decay.DefaultScorer(), lifecycle.DefaultThresholds(), nil, testLogger())
	rk := recall.NewRanker(recall.DefaultWeights(), nil, testLogger())
	return NewService(st, cl, lm, rk, testLogger(), WithClock(func() time.Time { return testNow })), lm
}

func seed(t *testing.T, st store.Store, mem models.Memory) {
	t.Helper()
	_, err := st.Create(context.Background(), mem)
	require.NoError(t, err)
}

func TestRemember_ClassifiedActive(t *testing.T) {
	st := store.NewMockStore()
	svc, _ := newService(t, st, fixedClassifier{c: classifier.Classification{Importance: 2, Stability: 4}})

	mem, err := svc.Remember(context.Background(), RememberRequest{Content: "  lunch was good  ", Source: "cli"})
	require.NoError(t, err)

	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, "lunch was good", mem.Content)
	assert.Equal(t, 2, mem.Importance)
	assert.Equal(t, 4, mem.Stability)
	assert.Equal(t, models.StateActive, mem.LifecycleState)
	assert.Equal(t, int64(1), mem.Version)
	assert.Equal(t, testNow, mem.LastAccessedAt)
	assert.Equal(t, 0.0, mem.DecayScore)
}

func TestRemember_PermanentWhenBothHigh(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore(), fixedClassifier{c: classifier.Classification{Importance: 5, Stability: 4}})

	mem, err := svc.Remember(context.Background(), RememberRequest{Content: "my name is Stephen"})
	require.NoError(t, err)
	assert.Equal(t, models.StatePermanent, mem.LifecycleState)
}

func TestRemember_ClassifierFailureUsesDefaults(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore(), fixedClassifier{err: classifier.ErrUnavailable})

	mem, err := svc.Remember(context.Background(), RememberRequest{Content: "something"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultImportance, mem.Importance)
	assert.Equal(t, models.DefaultStability, mem.Stability)
	assert.Equal(t, models.StateActive, mem.LifecycleState)
}

func TestRemember_ExplicitLevelsSkipClassifier(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore(), fixedClassifier{err: errors.New("must not be called")})

	mem, err := svc.Remember(context.Background(), RememberRequest{Content: "x", Importance: 1, Stability: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Importance)
	assert.Equal(t, 5, mem.Stability)
}

func TestRemember_InvalidInput(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore(), nil)

	_, err := svc.Remember(context.Background(), RememberRequest{Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Remember(context.Background(), RememberRequest{Content: "x", Importance: 6, Stability: 3})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, decay.ErrOutOfRange)
}

func TestGet_ReactivatesDormant(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, models.Memory{
		ID: "m1", Content: "c", Importance: 2, Stability: 2, DecayScore: 0.55,
		LifecycleState: models.StateDormant, LastAccessedAt: testNow.AddDate(0, 0, -60),
	})
	svc, lm := newService(t, st, nil)

	mem, err := svc.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, mem.LifecycleState)
	assert.Equal(t, 0.0, mem.DecayScore)
	assert.Equal(t, testNow, mem.LastAccessedAt)
	assert.Equal(t, int64(1), mem.AccessCount)
	assert.Equal(t, int64(2), mem.Version)
	assert.Equal(t, int64(1), lm.Reactivations())

	// A second access refreshes but does not count as a reactivation.
	mem, err = svc.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, mem.LifecycleState)
	assert.Equal(t, int64(1), lm.Reactivations())
}

func TestGet_ExpiredNotReactivated(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, models.Memory{
		ID: "m1", Content: "c", Importance: 1, Stability: 1, DecayScore: 0.95,
		LifecycleState: models.StateExpired, LastAccessedAt: testNow.AddDate(-1, 0, 0),
	})
	svc, lm := newService(t, st, nil)

	mem, err := svc.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, mem.LifecycleState)
	assert.Equal(t, int64(1), mem.Version, "no write for an expired memory")
	assert.Equal(t, int64(0), lm.Reactivations())
}

func TestGet_SoftDeletedIsNotFound(t *testing.T) {
	st := store.NewMockStore()
	deletedAt := testNow.AddDate(0, 0, -1)
	seed(t, st, models.Memory{
		ID: "m1", Importance: 1, Stability: 1, LifecycleState: models.StateSoftDeleted, SoftDeletedAt: &deletedAt,
	})
	svc, _ := newService(t, st, nil)

	_, err := svc.Get(context.Background(), "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGet_RetriesAfterConcurrentWrite(t *testing.T) {
	ms := store.NewMockStore()
	seed(t, ms, models.Memory{
		ID: "m1", Importance: 3, Stability: 3, DecayScore: 0.7,
		LifecycleState: models.StateArchived, LastAccessedAt: testNow.AddDate(0, 0, -100),
	})
	st := &racingStore{Store: ms}
	svc, _ := newService(t, st, nil)

	mem, err := svc.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, mem.LifecycleState, "the access lands on top of the competing write")
	assert.Equal(t, 0.0, mem.DecayScore)
	assert.Equal(t, int64(3), mem.Version)
}

func TestSearch_RanksAndAccesses(t *testing.T) {
	st := store.NewMockStore()
	old := testNow.AddDate(0, 0, -120)
	seed(t, st, models.Memory{ID: "a", Content: "golang channels tutorial", Importance: 5, Stability: 3,
		DecayScore: 0.1, LifecycleState: models.StateActive, CreatedAt: old, LastAccessedAt: old})
	seed(t, st, models.Memory{ID: "b", Content: "golang channels", Importance: 1, Stability: 1,
		DecayScore: 0.9, LifecycleState: models.StateArchived, CreatedAt: old, LastAccessedAt: old})
	seed(t, st, models.Memory{ID: "c", Content: "unrelated", Importance: 5, Stability: 5,
		LifecycleState: models.StatePermanent, CreatedAt: old, LastAccessedAt: old})
	svc, _ := newService(t, st, nil)

	results, err := svc.Search(context.Background(), "golang channels", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Equal similarity; a wins on recency and importance.
	assert.Equal(t, "a", results[0].Memory.ID)
	assert.Equal(t, "b", results[1].Memory.ID)
	assert.Greater(t, results[0].FinalScore, results[1].FinalScore)

	// Returned memories were accessed; b came back from ARCHIVED.
	assert.Equal(t, models.StateActive, results[1].Memory.LifecycleState)
	b, err := st.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, b.LifecycleState)
	assert.Equal(t, testNow, b.LastAccessedAt)

	c, err := st.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, old, c.LastAccessedAt, "memories not returned are not accessed")
}

func TestSearch_LimitAndValidation(t *testing.T) {
	st := store.NewMockStore()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, st, models.Memory{ID: id, Content: "note", Importance: 3, Stability: 3,
			LifecycleState: models.StateActive, CreatedAt: testNow, LastAccessedAt: testNow})
	}
	svc, _ := newService(t, st, nil)

	results, err := svc.Search(context.Background(), "note", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = svc.Search(context.Background(), " ", 2)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestForget(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, models.Memory{ID: "m1", Importance: 3, Stability: 3, LifecycleState: models.StateActive})
	svc, _ := newService(t, st, nil)

	require.NoError(t, svc.Forget(context.Background(), "m1"))
	assert.Equal(t, 0, st.Len())
	assert.ErrorIs(t, svc.Forget(context.Background(), "m1"), store.ErrNotFound)
	assert.ErrorIs(t, svc.Forget(context.Background(), ""), ErrInvalidInput)
}

func TestListAndStats(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, models.Memory{ID: "a", Importance: 3, Stability: 3, LifecycleState: models.StateActive})
	seed(t, st, models.Memory{ID: "b", Importance: 3, Stability: 3, LifecycleState: models.StateDormant})
	svc, _ := newService(t, st, nil)

	page, next, err := svc.List(context.Background(), store.StateFilter(models.StateDormant), 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMemories)
}
