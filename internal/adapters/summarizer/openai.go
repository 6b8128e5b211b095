package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"brevpulse/internal/domain"
	openai "brevpulse/internal/infra/openai"
)

type completer interface {
	Complete(ctx context.Context, model, system, user string, format *openai.ResponseFormat) (string, error)
}

// OpenAI rewrites item titles and descriptions with a chat model.
// Only prose changes: source, priority, count and actions are kept as given.
type OpenAI struct {
	client  completer
	model   string
	timeout time.Duration
}

// NewOpenAI creates the polisher.
func NewOpenAI(client completer, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

const systemPrompt = `You edit notification digests. Rewrite each item's title (at most 60 characters) and description
(at most 150 characters). Keep every fact, never invent new ones, never mention the product names Gmail, Google Calendar
or GitHub. Answer with JSON {"items":[{"index":0,"title":"...","description":"..."}]} and nothing else.`

type polishInput struct {
	Index       int    `json:"index"`
	Priority    string `json:"priority"`
	Count       int    `json:"count"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type polishResponse struct {
	Items []struct {
		Index       int    `json:"index"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"items"`
}

// Polish returns a copy of items with rewritten prose. Items the model skipped keep their text.
func (s *OpenAI) Polish(ctx context.Context, items []domain.DigestItem) ([]domain.DigestItem, error) {
	out := append([]domain.DigestItem(nil), items...)
	if len(items) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := make([]polishInput, 0, len(items))
	for i, item := range items {
		input = append(input, polishInput{
			Index:       i,
			Priority:    string(item.Priority),
			Count:       item.Count,
			Title:       item.Title,
			Description: item.Description,
		})
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	content, err := s.client.Complete(ctx, s.model, systemPrompt, string(body), openai.JSONObject)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	var parsed polishResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	for _, p := range parsed.Items {
		if p.Index < 0 || p.Index >= len(out) {
			continue
		}
		if title := strings.TrimSpace(p.Title); title != "" {
			out[p.Index].Title = title
		}
		if desc := strings.TrimSpace(p.Description); desc != "" {
			out[p.Index].Description = desc
		}
	}
	return out, nil
}
