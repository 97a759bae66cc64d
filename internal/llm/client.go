package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the OpenAI-compatible gateway used for chat completions.
const DefaultBaseURL = "https://llm-gateway.assemblyai.com/v1"

// DefaultModel is used when no model id is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// emptyContentPlaceholder replaces blank text; the gateway rejects empty content blocks.
const emptyContentPlaceholder = "..."

// ErrEmptyChoices is returned when the completion carries no choices.
var ErrEmptyChoices = errors.New("llm: empty choices")

// Observer receives one callback per completed chat request.
type Observer interface {
	ObserveLLMRequest(model string, status string, d time.Duration)
}

// Client calls an OpenAI-compatible chat completions endpoint with tool support.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Observer   Observer

	log *zap.Logger
}

type chatCompletionsRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewClient(apiKey, model string, log *zap.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		BaseURL:    DefaultBaseURL,
		APIKey:     apiKey,
		Model:      model,
		log:        log.With(zap.String("component", "llm")),
	}
}

// Chat sends the full history plus the advertised tools and returns the first choice.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("llm: api key missing")
	}
	start := time.Now()
	resp, err := c.chat(ctx, messages, tools)
	if c.Observer != nil {
		status := "ok"
		if err != nil {
			status = "error"
			if ctx.Err() != nil {
				status = "cancelled"
			}
		}
		c.Observer.ObserveLLMRequest(c.Model, status, time.Since(start))
	}
	return resp, err
}

func (c *Client) chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:    c.Model,
		Messages: sanitizeMessages(messages),
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, ErrEmptyChoices
	}
	choice := cr.Choices[0]
	c.log.Debug("chat completion",
		zap.String("finish_reason", choice.FinishReason),
		zap.Int("tool_calls", len(choice.Message.ToolCalls)))
	return &Response{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

// sanitizeMessages copies messages, replacing blank string content with a placeholder.
// Nil content (assistant tool-call turns) is left untouched.
func sanitizeMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		if m.Content != nil && strings.TrimSpace(*m.Content) == "" {
			m.Content = Text(emptyContentPlaceholder)
		}
		out[i] = m
	}
	return out
}
