package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler runs one trusted tool in-process.
type Handler func(ctx context.Context, args map[string]any) (string, error)

const maxWebhookResponse = 1 << 20

// LocalExecutor runs registered handlers in the current process with a concurrency bound.
type LocalExecutor struct {
	log    *zap.Logger
	client *http.Client
	sem    *semaphore.Weighted

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewLocalExecutor allows up to maxConcurrent handlers to run at once.
func NewLocalExecutor(maxConcurrent int, log *zap.Logger) *LocalExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalExecutor{
		log:      log.With(zap.String("component", "local_executor")),
		client:   &http.Client{Timeout: DefaultTimeout},
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces a handler.
func (e *LocalExecutor) Register(name string, h Handler) {
	e.mu.Lock()
	e.handlers[name] = h
	e.mu.Unlock()
}

// RegisterWebhook binds name to an HTTP endpoint that receives {"name","args"} as a JSON POST
// and answers with the result text.
func (e *LocalExecutor) RegisterWebhook(name, url string) {
	e.Register(name, func(ctx context.Context, args map[string]any) (string, error) {
		body, err := json.Marshal(webhookRequest{Name: name, Args: args})
		if err != nil {
			return "", fmt.Errorf("marshal args: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("webhook: %w", err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
		if err != nil {
			return "", fmt.Errorf("webhook: read: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("webhook: status=%d body=%s", resp.StatusCode, string(b))
		}
		return string(b), nil
	})
}

type webhookRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Execute runs the handler for name. Errors and panics come back as "Error: ..." text.
func (e *LocalExecutor) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	e.mu.RLock()
	h, ok := e.handlers[name]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "Error: tool executor closed"
	}
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Sprintf("Error: tool %q cancelled", name)
	}
	defer e.sem.Release(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool handler panicked", zap.String("tool", name), zap.Any("panic", r))
			result = fmt.Sprintf("Error: tool %q failed", name)
		}
	}()
	res, err := h(ctx, args)
	if err != nil {
		e.log.Warn("tool failed", zap.String("tool", name), zap.Error(err), zap.Duration("took", time.Since(start)))
		return "Error: " + err.Error()
	}
	e.log.Debug("tool completed", zap.String("tool", name), zap.Duration("took", time.Since(start)))
	return res
}

// Close rejects further executions.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
