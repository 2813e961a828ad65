package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

var llmTracer = otel.Tracer("gate.internal.llm")

var llmLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gate",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "Latency of language model completions",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30},
	},
	[]string{"model", "status"},
)

var llmTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gate",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens used by the language model",
	},
	[]string{"model", "type"}, // type: input, output, total
)

func init() {
	prometheus.MustRegister(llmLatency)
	prometheus.MustRegister(llmTokensTotal)
}

// RegisterMetrics registers llm metrics with a custom registry.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return
	}
	reg.MustRegister(llmLatency, llmTokensTotal)
}

// InstrumentedClient records latency, token usage and a span per call.
type InstrumentedClient struct {
	next   Client
	model  string
	logger *logging.Logger
}

// Instrument wraps a client with metrics and tracing. model labels the series.
func Instrument(next Client, model string, logger *logging.Logger) *InstrumentedClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &InstrumentedClient{next: next, model: model, logger: logger}
}

func (c *InstrumentedClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := llmTracer.Start(ctx, "llm.complete")
	defer span.End()

	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	latency := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "timeout"
		}
	}
	llmLatency.WithLabelValues(c.model, status).Observe(latency.Seconds())

	if span.IsRecording() {
		schemaName := ""
		if req.Schema != nil {
			schemaName = req.Schema.Name
		}
		span.SetAttributes(
			attribute.Float64("gate.llm.latency_ms", float64(latency.Milliseconds())),
			attribute.String("gate.llm.model", c.model),
			attribute.String("gate.llm.schema", schemaName),
			attribute.Int("gate.llm.images", len(req.Images)),
			attribute.Int("gate.llm.input_tokens", int(resp.Usage.InputTokens)),
			attribute.Int("gate.llm.output_tokens", int(resp.Usage.OutputTokens)),
			attribute.String("gate.llm.stop_reason", resp.StopReason),
		)
	}
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("llm completion failed", "model", c.model, "status", status, "latency_ms", latency.Milliseconds(), "error", err)
		return resp, err
	}
	if resp.Usage.InputTokens > 0 {
		llmTokensTotal.WithLabelValues(c.model, "input").Add(float64(resp.Usage.InputTokens))
	}
	if resp.Usage.OutputTokens > 0 {
		llmTokensTotal.WithLabelValues(c.model, "output").Add(float64(resp.Usage.OutputTokens))
	}
	if resp.Usage.TotalTokens > 0 {
		llmTokensTotal.WithLabelValues(c.model, "total").Add(float64(resp.Usage.TotalTokens))
	}
	return resp, nil
}
