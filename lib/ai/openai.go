/*
 * LifeTrace
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/gravitational/lifetrace"
	"github.com/gravitational/lifetrace/lib/storage"
)

// ClientConfig configures the OpenAI-backed oracle.
type ClientConfig struct {
	// APIKey authenticates against the API.
	APIKey string
	// BaseURL overrides the API endpoint, for compatible providers.
	BaseURL string
	// Model is the chat model used for summaries and todo extraction.
	Model string
	// EmbedModel is the embedding model.
	EmbedModel string
	// Usage records token usage rows when set.
	Usage *storage.TokenUsageManager
	// Clock timestamps usage records.
	Clock clockwork.Clock
	// Log is the client's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Model == "" {
		c.Model = openai.ChatModelGPT4oMini
	}
	if c.EmbedModel == "" {
		c.EmbedModel = openai.EmbeddingModelTextEmbedding3Small
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentAI)
	}
	return nil
}

// Client implements Oracle on the OpenAI API.
type Client struct {
	cfg ClientConfig
	api openai.Client
}

// NewClient creates an OpenAI-backed oracle.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, api: openai.NewClient(opts...)}, nil
}

const summarizeSystemPrompt = `You summarize desktop activity. Given a list of
(application, window title, duration, screen text sample) entries, reply with
JSON {"title": "...", "summary": "..."}: a title of at most six words and a
one-or-two sentence summary of what the user was doing. Reply with JSON only.`

// Summarize produces a title and summary for a group of events.
func (c *Client) Summarize(ctx context.Context, events []EventDigest) (Summary, error) {
	if len(events) == 0 {
		return Summary{}, trace.BadParameter("nothing to summarize")
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "- app=%q title=%q duration=%v\n", ev.App, ev.Title, ev.Duration.Round(time.Second))
		if ev.OCRSample != "" {
			fmt.Fprintf(&b, "  text: %s\n", clip(ev.OCRSample, 500))
		}
	}

	content, err := c.chat(ctx, "activity_summary", summarizeSystemPrompt, b.String())
	if err != nil {
		return Summary{}, trace.Wrap(err)
	}
	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return Summary{}, trace.BadParameter("malformed summary response: %v", err)
	}
	return Summary{Title: out.Title, Text: out.Summary}, nil
}

const classifySystemPrompt = `You extract actionable tasks from screen text.
Reply with JSON {"is_todo": bool, "name": "...", "description": "...",
"due": "RFC3339 instant or empty"}. Only report a task when the text clearly
describes something the user needs to do. Reply with JSON only.`

// ClassifyTodo extracts an actionable task from screen text, if any.
func (c *Client) ClassifyTodo(ctx context.Context, app, title, text string) (TodoCandidate, error) {
	prompt := fmt.Sprintf("app=%q title=%q\ntext:\n%s", app, title, clip(text, 2000))
	content, err := c.chat(ctx, "todo_detection", classifySystemPrompt, prompt)
	if err != nil {
		return TodoCandidate{}, trace.Wrap(err)
	}
	var out struct {
		IsTodo      bool   `json:"is_todo"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Due         string `json:"due"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return TodoCandidate{}, trace.BadParameter("malformed todo response: %v", err)
	}
	candidate := TodoCandidate{IsTodo: out.IsTodo, Name: out.Name, Description: out.Description}
	if out.Due != "" {
		at, err := time.Parse(time.RFC3339, out.Due)
		if err == nil {
			at = at.UTC()
			candidate.Due = &at
		}
	}
	return candidate, nil
}

// Embed returns an embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.cfg.EmbedModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, Unavailable("embedding request failed: %v", err)
	}
	if len(resp.Data) == 0 {
		return nil, trace.BadParameter("embedding response carries no data")
	}
	c.recordUsage(ctx, c.cfg.EmbedModel, "embeddings", "embedding",
		resp.Usage.PromptTokens, 0, resp.Usage.TotalTokens)

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *Client) chat(ctx context.Context, feature, system, user string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", Unavailable("chat request failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", trace.BadParameter("chat response carries no choices")
	}
	c.recordUsage(ctx, c.cfg.Model, "chat/completions", feature,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// recordUsage appends a token usage row. Billing is reporting-only, so a
// failed write is logged and swallowed.
func (c *Client) recordUsage(ctx context.Context, model, endpoint, feature string, in, out, total int64) {
	if c.cfg.Usage == nil {
		return
	}
	_, err := c.cfg.Usage.Add(ctx, storage.TokenUsage{
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  total,
		Endpoint:     endpoint,
		FeatureType:  feature,
		CreatedAt:    c.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		c.cfg.Log.Warn("Failed to record token usage.", "error", err)
	}
}

// stripFences removes a markdown code fence wrapper if the model added
// one despite the JSON-only instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
