package agent

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/tools"
)

// DefaultInstructions is the persona used when an agent declares none.
const DefaultInstructions = `You are a helpful voice assistant. Your goal is to provide accurate, research-backed answers using your available tools.

Voice-First Rules:
- Optimize for natural speech. Avoid jargon unless central to the answer. Use short, punchy sentences.
- Never mention "search results," "sources," or "the provided text." Speak as if the knowledge is your own.
- No visual formatting. Do not say "bullet point," "bold," or "bracketed one." If you need to list items, say "First," "Next," and "Finally."
- Start with the most important information. No introductory filler.
- Be concise. For complex topics, provide a high-level summary.
- Be confident. Avoid hedging phrases like "It seems that" or "I believe."
- If you don't have enough information, say so directly rather than guessing.`

// VoiceRules is appended to every system prompt.
const VoiceRules = "\n\nCRITICAL: When you produce your final answer, it will be spoken aloud by a TTS system. " +
	"Write your answer exactly as you would say it out loud to a friend. " +
	"One to two sentences max. No markdown, no bullet points, no numbered lists, no code. " +
	"Sound like a human talking, not a document."

// DefaultGreeting is spoken when the client is ready for audio.
const DefaultGreeting = "Hey there! I'm a voice assistant. What can I help you with?"

// ToolDef declares a tool the agent may call. Webhook is the endpoint that runs it.
type ToolDef struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
	Webhook     string         `yaml:"webhook" json:"webhook,omitempty"`
}

// Config is an agent definition. It is immutable for the lifetime of a session.
type Config struct {
	Instructions string    `json:"instructions"`
	Greeting     string    `json:"greeting"`
	Voice        string    `json:"voice"`
	Prompt       string    `json:"prompt,omitempty"`
	BuiltinTools []string  `json:"builtinTools,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
}

// DefaultConfig returns the stock voice assistant.
func DefaultConfig() Config {
	return Config{
		Instructions: DefaultInstructions,
		Greeting:     DefaultGreeting,
	}
}

// SystemPrompt is the content of messages[0].
func (c Config) SystemPrompt() string {
	instr := c.Instructions
	if strings.TrimSpace(instr) == "" {
		instr = DefaultInstructions
	}
	return instr + VoiceRules
}

// Schemas lists the declared tools as schemas.
func (c Config) Schemas() []tools.Schema {
	out := make([]tools.Schema, 0, len(c.Tools))
	for _, t := range c.Tools {
		out = append(out, tools.Schema{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Validate checks tool declarations.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("agent: tool %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("agent: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// agentFile mirrors the YAML layout; a missing greeting key means the default greeting.
type agentFile struct {
	Instructions string    `yaml:"instructions"`
	Greeting     *string   `yaml:"greeting"`
	Voice        string    `yaml:"voice"`
	Prompt       string    `yaml:"prompt"`
	BuiltinTools []string  `yaml:"builtin_tools"`
	Tools        []ToolDef `yaml:"tools"`
}

// LoadFile reads an agent definition from a YAML file.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("agent: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes an agent definition from YAML.
func Parse(b []byte) (Config, error) {
	var f agentFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Config{}, fmt.Errorf("agent: parse: %w", err)
	}
	cfg := DefaultConfig()
	if strings.TrimSpace(f.Instructions) != "" {
		cfg.Instructions = strings.TrimSpace(f.Instructions)
	}
	if f.Greeting != nil {
		cfg.Greeting = *f.Greeting
	}
	cfg.Voice = f.Voice
	cfg.Prompt = f.Prompt
	cfg.BuiltinTools = f.BuiltinTools
	cfg.Tools = f.Tools
	for i := range cfg.Tools {
		if cfg.Tools[i].Parameters == nil {
			cfg.Tools[i].Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrNoWebhook is returned when a declared tool has nothing to run it.
var ErrNoWebhook = errors.New("agent: tool has no webhook")

// RegisterWebhooks binds every declared tool to its webhook on exec.
func (c Config) RegisterWebhooks(exec *tools.LocalExecutor) error {
	for _, t := range c.Tools {
		if t.Webhook == "" {
			return fmt.Errorf("%w: %s", ErrNoWebhook, t.Name)
		}
		exec.RegisterWebhook(t.Name, t.Webhook)
	}
	return nil
}

func toLLMTools(schemas []tools.Schema) []llm.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.Tool{
			Type:     "function",
			Function: llm.FunctionDefinition{Name: s.Name, Description: s.Description, Parameters: params},
		})
	}
	return out
}
