// Command toolworker executes tool calls queued in Redis by voice agent servers
// running with TOOL_BACKEND=redis.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/tools"
)

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	agentCfg := agent.DefaultConfig()
	if cfg.AgentFile != "" {
		if agentCfg, err = agent.LoadFile(cfg.AgentFile); err != nil {
			log.Fatal("agent file", zap.Error(err))
		}
	}

	exec := tools.NewLocalExecutor(cfg.ToolConcurrency, log)
	if err := agentCfg.RegisterWebhooks(exec); err != nil {
		log.Fatal("register tools", zap.Error(err))
	}
	defer func() { _ = exec.Close() }()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	worker := tools.NewWorker(client, cfg.RedisQueue, exec, cfg.ToolConcurrency, log)
	log.Info("serving tools",
		zap.String("queue", cfg.RedisQueue),
		zap.Int("tools", len(agentCfg.Tools)),
		zap.Int("concurrency", cfg.ToolConcurrency))
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
	log.Info("tool worker stopped")
}
