package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/tools"
)

// Tool backends.
const (
	ToolBackendLocal = "local"
	ToolBackendRedis = "redis"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress   string
	AuthPassword  string
	LogLevel      string
	AssemblyAIKey string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	STTURL string
	TTSURL string

	AgentFile string

	ToolBackend     string
	ToolConcurrency int
	ToolTimeout     time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisQueue      string

	// Warnings collects problems found while loading; the caller logs them.
	Warnings []string
}

// Load reads .env and the environment and returns Config with sane defaults.
func Load() Config {
	var warnings []string
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		warnings = append(warnings, "error loading .env file: "+err.Error())
	}

	cfg := Config{
		HTTPAddress:     getEnv("HTTP_ADDRESS", ":8080"),
		AuthPassword:    os.Getenv("AUTH_PASSWORD"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AssemblyAIKey:   os.Getenv("ASSEMBLYAI_API_KEY"),
		LLMBaseURL:      getEnv("LLM_BASE_URL", llm.DefaultBaseURL),
		LLMModel:        getEnv("LLM_MODEL", llm.DefaultModel),
		STTURL:          os.Getenv("STT_URL"),
		TTSURL:          os.Getenv("TTS_URL"),
		AgentFile:       os.Getenv("AGENT_FILE"),
		ToolBackend:     strings.ToLower(getEnv("TOOL_BACKEND", ToolBackendLocal)),
		ToolConcurrency: 16,
		ToolTimeout:     tools.DefaultTimeout,
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisQueue:      getEnv("TOOL_QUEUE", tools.DefaultQueue),
	}
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", cfg.AssemblyAIKey)

	if cfg.AssemblyAIKey == "" {
		warnings = append(warnings, "ASSEMBLYAI_API_KEY not set - transcription and speech will not work")
	}
	if cfg.LLMAPIKey == "" {
		warnings = append(warnings, "LLM_API_KEY not set - LLM will not work")
	}

	if v := os.Getenv("TOOL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			warnings = append(warnings, "invalid TOOL_CONCURRENCY "+strconv.Quote(v)+" - using 16")
		} else {
			cfg.ToolConcurrency = n
		}
	}
	if v := os.Getenv("TOOL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			warnings = append(warnings, "invalid TOOL_TIMEOUT "+strconv.Quote(v)+" - using "+tools.DefaultTimeout.String())
		} else {
			cfg.ToolTimeout = d
		}
	}
	switch cfg.ToolBackend {
	case ToolBackendLocal, ToolBackendRedis:
	default:
		warnings = append(warnings, "unknown TOOL_BACKEND "+strconv.Quote(cfg.ToolBackend)+" - using local")
		cfg.ToolBackend = ToolBackendLocal
	}

	cfg.Warnings = warnings
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
