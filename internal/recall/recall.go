package recall

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

// weightTolerance is how far the weight sum may drift from 1.0.
const weightTolerance = 1e-6

// Weights controls the relative importance of each ranking factor.
type Weights struct {
	Semantic   float64 `json:"semantic" mapstructure:"semantic"`
	Recency    float64 `json:"recency" mapstructure:"recency"`
	Importance float64 `json:"importance" mapstructure:"importance"`
}

// DefaultWeights returns the default ranking weights.
func DefaultWeights() Weights {
	return Weights{
		Semantic:   0.60,
		Recency:    0.25,
		Importance: 0.15,
	}
}

// Validate requires every weight in [0,1] and a sum of 1.0.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"semantic": w.Semantic, "recency": w.Recency, "importance": w.Importance} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("weights.%s must be between 0 and 1, got %v", name, v)
		}
	}
	sum := w.Semantic + w.Recency + w.Importance
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.6f (semantic %.2f, recency %.2f, importance %.2f)",
			sum, w.Semantic, w.Recency, w.Importance)
	}
	return nil
}

// Ranker orders search candidates by a weighted blend of semantic
// similarity, recency (1 - decay) and importance.
type Ranker struct {
	weights Weights
	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewRanker creates a ranker. Invalid weights are replaced by the defaults.
func NewRanker(weights Weights, m *metrics.Manager, logger *slog.Logger) *Ranker {
	if err := weights.Validate(); err != nil {
		logger.Error("invalid ranking weights, using defaults", "error", err)
		weights = DefaultWeights()
	}
	return &Ranker{
		weights: weights,
		metrics: m,
		logger:  logger,
	}
}

// Weights returns the effective weights.
func (r *Ranker) Weights() Weights {
	return r.weights
}

// Rank scores and sorts results. Ties are broken by created_at descending,
// then by ID ascending. A candidate with missing decay or importance data is
// scored on similarity alone.
func (r *Ranker) Rank(results []models.SearchResult) []models.RankedResult {
	ranked := make([]models.RankedResult, 0, len(results))

	for _, sr := range results {
		rr := models.RankedResult{
			Memory:          sr.Memory,
			SimilarityScore: clampUnit(sr.Score),
		}

		if !sr.Memory.HasScoringData() {
			rr.Degraded = true
			rr.FinalScore = rr.SimilarityScore
			r.metrics.RecordRankingDegraded()
			r.logger.Warn("ranking candidate lacks decay or importance data, using similarity only",
				"id", sr.Memory.ID, "importance", sr.Memory.Importance, "decay_score", sr.Memory.DecayScore)
			ranked = append(ranked, rr)
			continue
		}

		rr.RecencyScore = 1 - sr.Memory.DecayScore
		rr.ImportanceScore = float64(sr.Memory.Importance) / float64(models.MaxLevel)
		rr.FinalScore = r.weights.Semantic*rr.SimilarityScore +
			r.weights.Recency*rr.RecencyScore +
			r.weights.Importance*rr.ImportanceScore

		ranked = append(ranked, rr)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})

	return ranked
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
