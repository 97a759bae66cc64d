package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one tool dispatch.
const DefaultTimeout = 30 * time.Second

// ErrToolTimeout marks a dispatch that did not finish within the timeout.
var ErrToolTimeout = errors.New("tools: dispatch timed out")

// Schema is the JSON-schema description of a tool advertised to the LLM.
type Schema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// Executor runs tools that are not builtin. Failures come back as result text.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) string
	Close() error
}

// Observer is notified once per dispatch with "ok", "error" or "timeout".
type Observer interface {
	ObserveToolCall(name, outcome string)
}

// Dispatcher resolves a tool name to a builtin first, then to the executor.
// It never returns an error: every outcome is normalized to a string.
type Dispatcher struct {
	builtins map[string]Builtin
	order    []string
	executor Executor
	timeout  time.Duration
	log      *zap.Logger
	Observer Observer
}

// NewDispatcher builds a dispatcher. exec may be nil when only builtins are used.
func NewDispatcher(exec Executor, builtins []Builtin, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		builtins: make(map[string]Builtin, len(builtins)),
		executor: exec,
		timeout:  DefaultTimeout,
		log:      log.With(zap.String("component", "tools")),
	}
	for _, b := range builtins {
		if _, dup := d.builtins[b.Schema.Name]; !dup {
			d.order = append(d.order, b.Schema.Name)
		}
		d.builtins[b.Schema.Name] = b
	}
	return d
}

// WithTimeout overrides the per-dispatch timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Schemas returns declared schemas followed by builtin schemas not already declared.
func (d *Dispatcher) Schemas(declared []Schema) []Schema {
	out := make([]Schema, 0, len(declared)+len(d.builtins))
	seen := make(map[string]bool, len(declared))
	for _, s := range declared {
		seen[s.Name] = true
		out = append(out, s)
	}
	for _, name := range d.order {
		if !seen[name] {
			out = append(out, d.builtins[name].Schema)
		}
	}
	return out
}

// Dispatch runs the named tool and returns its result text.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	run, ok := d.resolve(name)
	if !ok {
		d.observe(name, "error")
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	done := make(chan string, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
				done <- fmt.Sprintf("Error: tool %q failed", name)
			}
		}()
		done <- run(ctx, args)
	}()

	select {
	case res := <-done:
		d.observe(name, outcomeOf(res))
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err := fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, d.timeout)
			d.log.Warn("tool timed out", zap.String("tool", name), zap.Error(err))
			d.observe(name, "timeout")
			return fmt.Sprintf("Error: tool %q timed out after %s", name, d.timeout)
		}
		d.observe(name, "error")
		return fmt.Sprintf("Error: tool %q cancelled", name)
	}
}

func (d *Dispatcher) resolve(name string) (func(context.Context, map[string]any) string, bool) {
	if b, ok := d.builtins[name]; ok {
		return func(ctx context.Context, args map[string]any) string {
			res, err := b.Run(ctx, args)
			if err != nil {
				d.log.Debug("builtin tool failed", zap.String("tool", name), zap.Error(err))
				return "Error: " + err.Error()
			}
			return res
		}, true
	}
	if d.executor == nil {
		return nil, false
	}
	return func(ctx context.Context, args map[string]any) string {
		return d.executor.Execute(ctx, name, args)
	}, true
}

// Close releases the executor.
func (d *Dispatcher) Close() error {
	if d.executor == nil {
		return nil
	}
	return d.executor.Close()
}

func (d *Dispatcher) observe(name, outcome string) {
	if d.Observer != nil {
		d.Observer.ObserveToolCall(name, outcome)
	}
}

func outcomeOf(res string) string {
	if strings.HasPrefix(res, "Error:") {
		return "error"
	}
	return "ok"
}
