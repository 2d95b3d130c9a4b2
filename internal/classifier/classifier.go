package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
)

// ErrUnavailable is returned when a classifier backend cannot produce a result.
var ErrUnavailable = errors.New("classifier unavailable")

// Classification is the importance and stability assigned to new content.
type Classification struct {
	Importance int    `json:"importance"`
	Stability  int    `json:"stability"`
	Reason     string `json:"reason,omitempty"`

	// Fallback is set when the defaults were used because the backend failed.
	Fallback bool `json:"fallback,omitempty"`
}

// Default returns the neutral classification used when no backend answers.
func Default() Classification {
	return Classification{
		Importance: models.DefaultImportance,
		Stability:  models.DefaultStability,
	}
}

// Validate rejects levels outside [1,5].
func (c Classification) Validate() error {
	if c.Importance < models.MinLevel || c.Importance > models.MaxLevel {
		return fmt.Errorf("importance %d out of range", c.Importance)
	}
	if c.Stability < models.MinLevel || c.Stability > models.MaxLevel {
		return fmt.Errorf("stability %d out of range", c.Stability)
	}
	return nil
}

// Classifier assigns importance and stability to memory content.
type Classifier interface {
	Classify(ctx context.Context, content string) (Classification, error)
}

// HeuristicClassifier uses keyword-based rules for classification.
type HeuristicClassifier struct {
	logger *slog.Logger
}

// NewHeuristicClassifier creates a new heuristic-based classifier.
func NewHeuristicClassifier(logger *slog.Logger) *HeuristicClassifier {
	return &HeuristicClassifier{logger: logger}
}

// criticalPatterns raise importance.
var criticalPatterns = []string{
	"must", "never", "always", "critical", "important", "required",
	"security", "password", "credential", "deadline", "do not", "don't",
	"allergic", "emergency",
}

// trivialPatterns lower importance.
var trivialPatterns = []string{
	"fyi", "by the way", "btw", "maybe", "random", "lol", "just saw",
	"for fun", "trivia",
}

// durablePatterns describe facts that rarely change.
var durablePatterns = []string{
	"my name", "born", "birthday", "always", "never", "policy", "rule:",
	"principle", "how to", "procedure", "definition", "is defined as",
	"architecture", "preference", "prefer",
}

// transientPatterns describe short-lived events.
var transientPatterns = []string{
	"today", "yesterday", "tomorrow", "this week", "tonight", "right now",
	"currently", "meeting", "standup", "temporary", "for now",
}

// Classify scores content from keyword hits. It never fails.
func (c *HeuristicClassifier) Classify(_ context.Context, content string) (Classification, error) {
	lower := strings.ToLower(content)

	importance := models.DefaultImportance + min(countHits(lower, criticalPatterns), 2) - min(countHits(lower, trivialPatterns), 2)
	stability := models.DefaultStability + min(countHits(lower, durablePatterns), 2) - min(countHits(lower, transientPatterns), 2)

	out := Classification{
		Importance: clampLevel(importance),
		Stability:  clampLevel(stability),
		Reason:     "keyword heuristic",
	}

	c.logger.Debug("classified memory", "importance", out.Importance, "stability", out.Stability, "content_prefix", truncate(content, 60))
	return out, nil
}

func countHits(s string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}

func clampLevel(v int) int {
	return max(models.MinLevel, min(models.MaxLevel, v))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n]) + "..."
	}
	return s
}
