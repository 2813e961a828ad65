package structured

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const defaultDeadline = 8 * time.Second

// Call describes one structured invocation.
type Call struct {
	// Schema names a registered contract. Empty requests plain text.
	Schema   string
	System   string
	Prompt   string
	Images   []llm.Image
	Deadline time.Duration
	// Temperature is omitted when negative.
	Temperature float32
	MaxTokens   int32
	Hints       Hints
}

// Observer is notified of degraded results.
type Observer interface {
	ObserveDegraded(schemaName, reason string)
}

// Invoker wraps one model call with a deadline, schema validation and the
// shared degraded parsers. It never retries the generative call.
type Invoker struct {
	client   llm.Client
	registry *schema.Registry
	deadline time.Duration
	model    string
	observer Observer
	logger   *logging.Logger
}

type Option func(*Invoker)

func WithDefaultDeadline(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.deadline = d
		}
	}
}

func WithModel(model string) Option {
	return func(i *Invoker) { i.model = model }
}

func WithObserver(o Observer) Option {
	return func(i *Invoker) { i.observer = o }
}

func WithLogger(logger *logging.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func NewInvoker(client llm.Client, registry *schema.Registry, opts ...Option) *Invoker {
	if client == nil {
		panic("structured: llm client cannot be nil")
	}
	inv := &Invoker{
		client:   client,
		registry: registry,
		deadline: defaultDeadline,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Registry exposes the contracts the invoker validates against.
func (i *Invoker) Registry() *schema.Registry { return i.registry }

// Invoke runs the call. Failures never escape: they surface as a degraded
// result, possibly with a nil Value.
func (i *Invoker) Invoke(ctx context.Context, call Call) Result {
	result := Result{SchemaName: call.Schema}

	var contract *schema.Contract
	if call.Schema != "" {
		c, err := i.registry.Get(call.Schema)
		if err != nil {
			i.logger.Error("structured: unknown schema requested", "schema", call.Schema)
			result.Degraded = true
			result.Cause = err
			i.observe(call.Schema, "unknown_schema")
			return result
		}
		contract = &c
	}

	req := llm.Request{
		Model:       i.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: call.Prompt}},
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
		Schema:      contract,
		Images:      call.Images,
	}
	if strings.TrimSpace(call.System) != "" {
		req.System = append(req.System, call.System)
	}
	if contract != nil && len(contract.Fields) > 0 {
		req.System = append(req.System, contract.Describe())
	}

	deadline := call.Deadline
	if deadline <= 0 {
		deadline = i.deadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := i.client.Complete(callCtx, req)
	result.RawText = resp.Text
	text := stripThinking(resp.Text)

	if contract == nil {
		if err != nil {
			result.Degraded = true
			result.Cause = err
			i.observe("", reason(err))
		}
		return result
	}

	if err == nil {
		if contract.Kind == schema.KindSummary {
			if text != "" {
				result.Value = map[string]any{"text": text}
				return result
			}
			err = errors.New("structured: empty summary")
		} else if obj, perr := parseObject(text); perr != nil {
			err = fmt.Errorf("structured: invalid json: %w", perr)
		} else if verr := contract.Validate(obj); verr != nil {
			err = verr
		} else {
			result.Value = obj
			return result
		}
	}

	result.Degraded = true
	result.Cause = err
	i.observe(contract.Name, reason(err))

	source := text
	if source == "" {
		source = call.Hints.FallbackText
	}
	if parse, ok := fallbackParsers[contract.Kind]; ok {
		if value, ok := parse(source, *contract, call.Hints); ok && contract.Validate(value) == nil {
			result.Value = value
		}
	}
	i.logger.Warn("structured output degraded",
		"schema", contract.Name,
		"reason", reason(err),
		"recovered", result.Value != nil,
		"error", err,
	)
	return result
}

func (i *Invoker) observe(schemaName, why string) {
	if i.observer != nil {
		i.observer.ObserveDegraded(schemaName, why)
	}
}

func reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, schema.ErrInvalidOutput):
		return "invalid_output"
	case strings.HasPrefix(err.Error(), "structured: invalid json"):
		return "invalid_json"
	default:
		return "error"
	}
}
