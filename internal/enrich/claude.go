package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chittyos/todosync/internal/todo"
)

const defaultModel = anthropic.ModelClaude3_5HaikuLatest

const systemPrompt = `You analyze todo items from a synchronization engine.
For each todo, reply with a single JSON object and nothing else:
{"summary": "<one sentence>", "related_ids": ["<id>", ...], "context_notes": ["<optional context>", ...]}
Keep the summary under 30 words. Omit related_ids you are not sure about.`

// Claude enriches todos through the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  anthropic.Model
}

// ClaudeOption configures a Claude enricher.
type ClaudeOption func(*Claude)

// WithModel overrides the default model.
func WithModel(model anthropic.Model) ClaudeOption {
	return func(c *Claude) {
		c.model = model
	}
}

// NewClaude creates an enricher. With an empty apiKey the client falls back
// to the ANTHROPIC_API_KEY environment variable.
func NewClaude(apiKey string, opts ...ClaudeOption) *Claude {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}

	c := &Claude{
		client: anthropic.NewClient(clientOpts...),
		model:  defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enrich implements pipeline.Enricher.
func (c *Claude) Enrich(ctx context.Context, t todo.Todo) (todo.Insights, error) {
	prompt := fmt.Sprintf("Todo %s (session %s, status %s):\n%s", t.ID, t.SessionID, t.Status, t.Content)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return todo.Insights{}, fmt.Errorf("failed to call model: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return todo.Insights{}, fmt.Errorf("model returned no text content")
	}

	return parseInsights(text.String()), nil
}

// parseInsights decodes the model's JSON reply. Models occasionally wrap
// JSON in prose or fences; the first balanced object is extracted, and a
// reply with no parseable object at all becomes a bare summary.
func parseInsights(reply string) todo.Insights {
	raw := extractJSON(reply)
	if raw != "" {
		var decoded struct {
			Summary      string   `json:"summary"`
			RelatedIDs   []string `json:"related_ids"`
			ContextNotes []string `json:"context_notes"`
		}
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil && decoded.Summary != "" {
			return todo.Insights{
				Summary:      decoded.Summary,
				RelatedIDs:   decoded.RelatedIDs,
				ContextNotes: decoded.ContextNotes,
			}
		}
	}

	return todo.Insights{Summary: strings.TrimSpace(reply)}
}

// extractJSON returns the first balanced {...} object in s, or "".
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
