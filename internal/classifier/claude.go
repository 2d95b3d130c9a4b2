package classifier

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// claudeMaxTokens bounds the classification response.
const claudeMaxTokens = 256

// classifyPromptTemplate asks Claude for importance and stability. Content is
// XML-escaped before it is injected.
const classifyPromptTemplate = `Rate the memory below for a long-term knowledge store.

importance (1-5): how much harm forgetting it would cause. 1 = trivia, 3 = useful, 5 = critical.
stability (1-5): how long it stays true. 1 = hours or days, 3 = months, 5 = effectively forever.

Return ONLY a JSON object with this exact schema:
{"importance": <int>, "stability": <int>, "reason": "<brief explanation>"}

<memory>%s</memory>`

// messenger is the subset of the Anthropic client used here.
type messenger interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeClassifier classifies memories with the Anthropic Messages API.
type ClaudeClassifier struct {
	messages messenger
	model    string
	logger   *slog.Logger
}

// NewClaudeClassifier creates a classifier backed by Claude.
func NewClaudeClassifier(apiKey, model string, logger *slog.Logger) *ClaudeClassifier {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeClassifier{
		messages: &c.Messages,
		model:    model,
		logger:   logger,
	}
}

// Classify returns Claude's rating. API failures wrap ErrUnavailable; a
// response that cannot be parsed or is out of range is also an error so the
// caller can fall back.
func (c *ClaudeClassifier) Classify(ctx context.Context, content string) (Classification, error) {
	prompt := fmt.Sprintf(classifyPromptTemplate, xmlEscape(content))

	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: claudeMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: "You are a precise memory rating system. Output only valid JSON."},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("%w: claude request: %w", ErrUnavailable, err)
	}

	var responseText string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			responseText = strings.TrimSpace(resp.Content[i].Text)
			break
		}
	}
	if responseText == "" {
		return Classification{}, fmt.Errorf("%w: empty response from claude", ErrUnavailable)
	}

	c.logger.Debug("classifier: Claude response", "response", responseText)
	return parseClassification(responseText)
}

func parseClassification(text string) (Classification, error) {
	text = stripCodeFence(text)

	var out Classification
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Classification{}, fmt.Errorf("parsing classification %q: %w", text, err)
	}
	if err := out.Validate(); err != nil {
		return Classification{}, fmt.Errorf("invalid classification: %w", err)
	}
	out.Fallback = false
	return out, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func xmlEscape(s string) string {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
