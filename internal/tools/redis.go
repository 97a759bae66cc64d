package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultQueue is the Redis list tool requests are pushed to.
const DefaultQueue = "voiceagent:tools:requests"

const (
	replyPrefix = "voiceagent:tools:reply:"
	replyTTL    = time.Minute
	pollTimeout = time.Second
)

// Request is one queued tool invocation.
type Request struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Reply carries the result text for Request.ID.
type Reply struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

func replyKey(id string) string { return replyPrefix + id }

// RedisExecutor forwards tool calls to a worker process over Redis lists.
// Each call gets its own reply key, so concurrent calls never see each other's results.
type RedisExecutor struct {
	client  *redis.Client
	queue   string
	timeout time.Duration
	log     *zap.Logger
}

// NewRedisExecutor uses client for requests on queue. timeout bounds the wait for a reply.
func NewRedisExecutor(client *redis.Client, queue string, timeout time.Duration, log *zap.Logger) *RedisExecutor {
	if queue == "" {
		queue = DefaultQueue
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisExecutor{
		client:  client,
		queue:   queue,
		timeout: timeout,
		log:     log.With(zap.String("component", "redis_executor")),
	}
}

// Execute enqueues the call and blocks until the worker replies or the timeout passes.
func (e *RedisExecutor) Execute(ctx context.Context, name string, args map[string]any) string {
	req := Request{ID: uuid.New().String(), Name: name, Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Sprintf("Error: invalid arguments for %q: %v", name, err)
	}
	if err := e.client.RPush(ctx, e.queue, payload).Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Sprintf("Error: tool %q cancelled", name)
		}
		e.log.Warn("enqueue tool request failed", zap.String("tool", name), zap.Error(err))
		return fmt.Sprintf("Error: tool backend unavailable: %v", err)
	}

	res, err := e.client.BLPop(ctx, e.timeout, replyKey(req.ID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		e.log.Warn("tool reply timed out", zap.String("tool", name), zap.String("id", req.ID))
		return fmt.Sprintf("Error: tool %q timed out after %s", name, e.timeout)
	case err != nil:
		if ctx.Err() != nil {
			return fmt.Sprintf("Error: tool %q cancelled", name)
		}
		return fmt.Sprintf("Error: tool backend unavailable: %v", err)
	}
	// BLPop returns [key, value]
	var reply Reply
	if len(res) < 2 || json.Unmarshal([]byte(res[1]), &reply) != nil {
		return fmt.Sprintf("Error: malformed reply for tool %q", name)
	}
	return reply.Result
}

// Close closes the Redis client.
func (e *RedisExecutor) Close() error {
	return e.client.Close()
}

// Worker consumes tool requests from Redis and runs them on an Executor.
type Worker struct {
	client      *redis.Client
	queue       string
	exec        Executor
	concurrency int
	log         *zap.Logger
}

// NewWorker runs up to concurrency requests at once.
func NewWorker(client *redis.Client, queue string, exec Executor, concurrency int, log *zap.Logger) *Worker {
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		client:      client,
		queue:       queue,
		exec:        exec,
		concurrency: concurrency,
		log:         log.With(zap.String("component", "tool_worker")),
	}
}

// Run processes requests until ctx is cancelled. In-flight requests finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(w.concurrency)
	w.log.Info("tool worker started", zap.String("queue", w.queue), zap.Int("concurrency", w.concurrency))

	var runErr error
	for ctx.Err() == nil {
		res, err := w.client.BLPop(ctx, pollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			runErr = fmt.Errorf("tool worker: pop: %w", err)
			break
		}
		if len(res) < 2 {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil || req.ID == "" {
			w.log.Warn("dropping malformed tool request", zap.String("raw", res[1]))
			continue
		}
		g.Go(func() error {
			w.handle(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	w.log.Info("tool worker stopped")
	return runErr
}

func (w *Worker) handle(ctx context.Context, req Request) {
	result := w.exec.Execute(ctx, req.Name, req.Args)
	payload, err := json.Marshal(Reply{ID: req.ID, Result: result})
	if err != nil {
		w.log.Error("marshal reply", zap.Error(err))
		return
	}
	key := replyKey(req.ID)
	pipe := w.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn("push tool reply failed", zap.String("id", req.ID), zap.Error(err))
	}
}
