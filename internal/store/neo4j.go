package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

const (
	neo4jVerifyTimeout = 10 * time.Second
	neo4jReadTimeout   = 10 * time.Second
	neo4jWriteTimeout  = 30 * time.Second

	fulltextIndex = "memory_content"

	constraintViolation = "Neo.ClientError.Schema.ConstraintValidationFailed"
)

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// Neo4jConfig holds connection settings for the graph store.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Neo4jStore implements Store on a Neo4j graph. Each memory is a :Memory node.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *slog.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver for %s: %w", cfg.URI, err)
	}

	vctx, cancel := withTimeout(ctx, neo4jVerifyTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: verifying neo4j connection at %s: %w", ErrUnavailable, cfg.URI, err)
	}

	logger.Info("connected to Neo4j", "uri", cfg.URI, "database", cfg.Database)

	return &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		logger:   logger,
	}, nil
}

// EnsureSchema creates the uniqueness constraint and indexes if they don't exist.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE",
		"CREATE INDEX memory_state IF NOT EXISTS FOR (m:Memory) ON (m.lifecycle_state)",
		"CREATE FULLTEXT INDEX " + fulltextIndex + " IF NOT EXISTS FOR (m:Memory) ON EACH [m.content]",
	}

	wctx, cancel := withTimeout(ctx, neo4jWriteTimeout)
	defer cancel()
	session := s.session(wctx, neo4j.AccessModeWrite)
	defer session.Close(wctx)

	for _, stmt := range statements {
		res, err := session.Run(wctx, stmt, nil)
		if err != nil {
			return s.wrap("ensuring schema", err)
		}
		if _, err := res.Consume(wctx); err != nil {
			return s.wrap("ensuring schema", err)
		}
	}
	s.logger.Info("neo4j schema ready", "fulltext_index", fulltextIndex)
	return nil
}

// Create inserts a new memory node.
func (s *Neo4jStore) Create(ctx context.Context, memory models.Memory) (*models.Memory, error) {
	memory.Version = 1
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = time.Now().UTC()
	}

	wctx, cancel := withTimeout(ctx, neo4jWriteTimeout)
	defer cancel()
	session := s.session(wctx, neo4j.AccessModeWrite)
	defer session.Close(wctx)

	out, err := session.ExecuteWrite(wctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(wctx, "CREATE (m:Memory) SET m = $props RETURN m", map[string]any{
			"props": memoryToProps(memory),
		})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(wctx)
		if err != nil {
			return nil, err
		}
		return recordToMemory(rec, "m")
	})
	if err != nil {
		var nerr *neo4j.Neo4jError
		if errors.As(err, &nerr) && nerr.Code == constraintViolation {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, memory.ID)
		}
		return nil, s.wrap("creating memory "+memory.ID, err)
	}
	return out.(*models.Memory), nil
}

// Get retrieves a single memory by ID.
func (s *Neo4jStore) Get(ctx context.Context, id string) (*models.Memory, error) {
	rctx, cancel := withTimeout(ctx, neo4jReadTimeout)
	defer cancel()
	session := s.session(rctx, neo4j.AccessModeRead)
	defer session.Close(rctx)

	out, err := session.ExecuteRead(rctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(rctx, "MATCH (m:Memory {id: $id}) RETURN m", map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(rctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		return recordToMemory(records[0], "m")
	})
	if err != nil {
		return nil, s.wrap("getting memory "+id, err)
	}
	mem, _ := out.(*models.Memory)
	if mem == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mem, nil
}

// Update replaces a memory's properties when its version matches expectedVersion.
func (s *Neo4jStore) Update(ctx context.Context, memory models.Memory, expectedVersion int64) (*models.Memory, error) {
	memory.Version = expectedVersion + 1
	memory.UpdatedAt = time.Now().UTC()

	wctx, cancel := withTimeout(ctx, neo4jWriteTimeout)
	defer cancel()
	session := s.session(wctx, neo4j.AccessModeWrite)
	defer session.Close(wctx)

	// The no-op SET takes the node write lock before the version is compared.
	const cypher = `
MATCH (m:Memory {id: $id})
SET m.version = m.version
WITH m, m.version AS stored
WHERE stored = $expected
SET m += $props
RETURN m`

	out, err := session.ExecuteWrite(wctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(wctx, cypher, map[string]any{
			"id":       memory.ID,
			"expected": expectedVersion,
			"props":    memoryToProps(memory),
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(wctx)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return recordToMemory(records[0], "m")
		}

		exists, err := tx.Run(wctx, "MATCH (m:Memory {id: $id}) RETURN m.version AS version", map[string]any{"id": memory.ID})
		if err != nil {
			return nil, err
		}
		rows, err := exists.Collect(wctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, memory.ID)
		}
		stored, _, _ := neo4j.GetRecordValue[int64](rows[0], "version")
		return nil, fmt.Errorf("%w: %s (stored %d, expected %d)", ErrVersionConflict, memory.ID, stored, expectedVersion)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, s.wrap("updating memory "+memory.ID, err)
	}
	return out.(*models.Memory), nil
}

// Delete removes a memory node and its relationships.
func (s *Neo4jStore) Delete(ctx context.Context, id string) error {
	wctx, cancel := withTimeout(ctx, neo4jWriteTimeout)
	defer cancel()
	session := s.session(wctx, neo4j.AccessModeWrite)
	defer session.Close(wctx)

	out, err := session.ExecuteWrite(wctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(wctx, "MATCH (m:Memory {id: $id}) DETACH DELETE m RETURN count(*) AS deleted", map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(wctx)
		if err != nil {
			return nil, err
		}
		n, _, err := neo4j.GetRecordValue[int64](rec, "deleted")
		return n, err
	})
	if err != nil {
		return s.wrap("deleting memory "+id, err)
	}
	if out.(int64) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns memories ordered by ID after cursor.
func (s *Neo4jStore) List(ctx context.Context, filters *Filters, limit uint64, cursor string) ([]models.Memory, string, error) {
	if limit == 0 {
		limit = 100
	}
	if filters == nil {
		filters = &Filters{}
	}
	var source any
	if filters.Source != nil {
		source = *filters.Source
	}

	const cypher = `
MATCH (m:Memory)
WHERE m.id > $cursor
  AND (size($states) = 0 OR m.lifecycle_state IN $states)
  AND NOT m.lifecycle_state IN $exclude
  AND ($source IS NULL OR m.source = $source)
RETURN m
ORDER BY m.id
LIMIT $limit`

	rctx, cancel := withTimeout(ctx, neo4jReadTimeout)
	defer cancel()
	session := s.session(rctx, neo4j.AccessModeRead)
	defer session.Close(rctx)

	out, err := session.ExecuteRead(rctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(rctx, cypher, map[string]any{
			"cursor":  cursor,
			"states":  stateStrings(filters.States),
			"exclude": stateStrings(filters.ExcludeStates),
			"source":  source,
			// One extra row tells us whether another page exists.
			"limit": int64(limit) + 1,
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(rctx)
		if err != nil {
			return nil, err
		}
		mems := make([]models.Memory, 0, len(records))
		for _, rec := range records {
			mem, err := recordToMemory(rec, "m")
			if err != nil {
				return nil, err
			}
			mems = append(mems, *mem)
		}
		return mems, nil
	})
	if err != nil {
		return nil, "", s.wrap("listing memories", err)
	}

	mems := out.([]models.Memory)
	var next string
	if uint64(len(mems)) > limit {
		mems = mems[:limit]
		next = mems[len(mems)-1].ID
	}
	return mems, next, nil
}

// Search runs a full-text query over memory content. Lucene scores are
// mapped into [0,1) with s/(1+s), which preserves their order.
func (s *Neo4jStore) Search(ctx context.Context, query string, limit uint64) ([]models.SearchResult, error) {
	query = escapeLucene(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit == 0 {
		limit = 10
	}

	const cypher = `
CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
WHERE node.lifecycle_state <> 'SOFT_DELETED'
RETURN node AS m, score
ORDER BY score DESC, node.id
LIMIT $limit`

	rctx, cancel := withTimeout(ctx, neo4jReadTimeout)
	defer cancel()
	session := s.session(rctx, neo4j.AccessModeRead)
	defer session.Close(rctx)

	out, err := session.ExecuteRead(rctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(rctx, cypher, map[string]any{
			"index": fulltextIndex,
			"query": query,
			"limit": int64(limit),
		})
		if err != nil {
			return nil, err
		}
		var results []models.SearchResult
		for res.Next(rctx) {
			rec := res.Record()
			mem, err := recordToMemory(rec, "m")
			if err != nil {
				return nil, err
			}
			score, _, err := neo4j.GetRecordValue[float64](rec, "score")
			if err != nil {
				return nil, err
			}
			results = append(results, models.SearchResult{Memory: *mem, Score: score / (1 + score)})
		}
		return results, res.Err()
	})
	if err != nil {
		return nil, s.wrap("searching memories", err)
	}
	results, _ := out.([]models.SearchResult)
	return results, nil
}

// Stats aggregates counts and averages per lifecycle state.
func (s *Neo4jStore) Stats(ctx context.Context) (*models.CollectionStats, error) {
	const cypher = `
MATCH (m:Memory)
RETURN m.lifecycle_state AS state,
       count(m) AS n,
       avg(m.decay_score) AS decay,
       avg(toFloat(m.importance)) AS importance,
       avg(toFloat(m.stability)) AS stability`

	rctx, cancel := withTimeout(ctx, neo4jReadTimeout)
	defer cancel()
	session := s.session(rctx, neo4j.AccessModeRead)
	defer session.Close(rctx)

	out, err := session.ExecuteRead(rctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(rctx, cypher, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(rctx)
	})
	if err != nil {
		return nil, s.wrap("collecting stats", err)
	}

	stats := models.NewCollectionStats()
	var decaySum, impSum, stabSum float64
	for _, rec := range out.([]*neo4j.Record) {
		state, _, _ := neo4j.GetRecordValue[string](rec, "state")
		n, _, _ := neo4j.GetRecordValue[int64](rec, "n")
		st := models.LifecycleState(state)
		stats.ByState[st] += n
		if st == models.StateSoftDeleted {
			continue
		}
		stats.TotalMemories += n
		decay, _, _ := neo4j.GetRecordValue[float64](rec, "decay")
		imp, _, _ := neo4j.GetRecordValue[float64](rec, "importance")
		stab, _, _ := neo4j.GetRecordValue[float64](rec, "stability")
		decaySum += decay * float64(n)
		impSum += imp * float64(n)
		stabSum += stab * float64(n)
	}
	if stats.TotalMemories > 0 {
		total := float64(stats.TotalMemories)
		stats.AvgDecayScore = decaySum / total
		stats.AvgImportance = impSum / total
		stats.AvgStability = stabSum / total
	}
	return stats, nil
}

// Close releases the driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
}

// wrap marks connectivity and timeout failures as ErrUnavailable.
func (s *Neo4jStore) wrap(action string, err error) error {
	if neo4j.IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("neo4j unavailable", "action", action, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// --- helpers ---

func memoryToProps(m models.Memory) map[string]any {
	props := map[string]any{
		"id":               m.ID,
		"content":          m.Content,
		"source":           m.Source,
		"importance":       int64(m.Importance),
		"stability":        int64(m.Stability),
		"decay_score":      m.DecayScore,
		"lifecycle_state":  string(m.LifecycleState),
		"created_at":       m.CreatedAt.UTC(),
		"updated_at":       m.UpdatedAt.UTC(),
		"last_accessed_at": m.LastAccessedAt.UTC(),
		"access_count":     m.AccessCount,
		"version":          m.Version,
		"soft_deleted_at":  nil,
	}
	if m.SoftDeletedAt != nil {
		props["soft_deleted_at"] = m.SoftDeletedAt.UTC()
	}
	return props
}

func recordToMemory(rec *neo4j.Record, key string) (*models.Memory, error) {
	node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, key)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return nodeToMemory(node.Props), nil
}

func nodeToMemory(props map[string]any) *models.Memory {
	m := &models.Memory{
		ID:             getString(props, "id"),
		Content:        getString(props, "content"),
		Source:         getString(props, "source"),
		Importance:     int(getInt(props, "importance")),
		Stability:      int(getInt(props, "stability")),
		DecayScore:     getFloat(props, "decay_score"),
		LifecycleState: models.LifecycleState(getString(props, "lifecycle_state")),
		CreatedAt:      getTime(props, "created_at"),
		UpdatedAt:      getTime(props, "updated_at"),
		LastAccessedAt: getTime(props, "last_accessed_at"),
		AccessCount:    getInt(props, "access_count"),
		Version:        getInt(props, "version"),
	}
	if t := getTime(props, "soft_deleted_at"); !t.IsZero() {
		m.SoftDeletedAt = &t
	}
	return m
}

func getString(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func getInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func getFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func getTime(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v.UTC()
	case neo4j.LocalDateTime:
		return v.Time().UTC()
	}
	return time.Time{}
}

var luceneReplacer = strings.NewReplacer(
	`\`, `\\`, `+`, `\+`, `-`, `\-`, `!`, `\!`, `(`, `\(`, `)`, `\)`,
	`{`, `\{`, `}`, `\}`, `[`, `\[`, `]`, `\]`, `^`, `\^`, `"`, `\"`,
	`~`, `\~`, `*`, `\*`, `?`, `\?`, `:`, `\:`, `/`, `\/`, `&`, `\&`, `|`, `\|`,
)

// escapeLucene escapes query syntax so user text is matched literally.
func escapeLucene(q string) string {
	return luceneReplacer.Replace(q)
}
