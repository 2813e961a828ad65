package structured

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

type recordingObserver struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func (o *recordingObserver) ObserveDegraded(schemaName, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reasons == nil {
		o.reasons = map[string][]string{}
	}
	o.reasons[schemaName] = append(o.reasons[schemaName], reason)
}

func newInvoker(t *testing.T, client llm.Client, opts ...Option) *Invoker {
	t.Helper()
	reg, err := schema.Default()
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewInvoker(client, reg, opts...)
}

func TestInvokeValidStructuredOutput(t *testing.T) {
	client := llm.NewScriptedClient().OnText(schema.Decision,
		"```json\n{\"decision\":\"ALLOW_ENTRY\",\"confidence\":0.92,\"reasoning\":\"known contact\"}\n```")
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Schema: schema.Decision, Prompt: "decide"})
	require.True(t, res.OK())
	assert.False(t, res.Degraded)
	assert.Equal(t, "allow_entry", res.String("decision"))
	conf, ok := res.Float("confidence")
	require.True(t, ok)
	assert.InDelta(t, 0.92, conf, 1e-9)
	assert.Equal(t, schema.Decision, res.SchemaName)

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Schema)
	assert.Equal(t, schema.Decision, calls[0].Schema.Name)
	assert.Len(t, calls[0].System, 1)
}

func TestInvokeStripsThinking(t *testing.T) {
	client := llm.NewScriptedClient().OnText(schema.SessionDetection, "<think>they said hello {}</think>{\"session\":\"new\"}")
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Schema: schema.SessionDetection})
	assert.False(t, res.Degraded)
	assert.Equal(t, "new", res.String("session"))
}

func TestInvokeInvalidJSONFallsBackToKeywords(t *testing.T) {
	obs := &recordingObserver{}
	client := llm.NewScriptedClient().OnText(schema.Decision, "I think we should call security here. confidence: 0.7")
	inv := newInvoker(t, client, WithObserver(obs))

	res := inv.Invoke(context.Background(), Call{Schema: schema.Decision})
	require.True(t, res.OK())
	assert.True(t, res.Degraded)
	assert.Equal(t, "call_security", res.String("decision"))
	conf, _ := res.Float("confidence")
	assert.InDelta(t, 0.7, conf, 1e-9)
	assert.InDelta(t, 0.35, res.Confidence(conf), 1e-9)
	assert.Equal(t, []string{"invalid_json"}, obs.reasons[schema.Decision])
}

func TestInvokeSchemaViolationIsDegraded(t *testing.T) {
	client := llm.NewScriptedClient().OnText(schema.Decision, `{"decision":"open_the_gates","confidence":1,"reasoning":"x"}`)
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Schema: schema.Decision})
	assert.True(t, res.Degraded)
	assert.False(t, res.OK())
	assert.True(t, errors.Is(res.Cause, schema.ErrInvalidOutput))
}

func TestInvokeTimeoutDegrades(t *testing.T) {
	obs := &recordingObserver{}
	client := llm.NewScriptedClient().On(schema.Decision, llm.Reply{Text: `{"decision":"deny_entry"}`, Delay: time.Second})
	inv := newInvoker(t, client, WithObserver(obs))

	start := time.Now()
	res := inv.Invoke(context.Background(), Call{Schema: schema.Decision, Deadline: 20 * time.Millisecond})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Degraded)
	assert.False(t, res.OK())
	assert.True(t, errors.Is(res.Cause, context.DeadlineExceeded))
	assert.Equal(t, []string{"timeout"}, obs.reasons[schema.Decision])
	assert.Equal(t, 1, client.CallCount(schema.Decision), "no retry")
}

func TestInvokeTransportErrorUsesFallbackText(t *testing.T) {
	client := llm.NewScriptedClient().On(schema.FieldExtraction, llm.Reply{Err: errors.New("unavailable")})
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{
		Schema: schema.FieldExtraction,
		Hints: Hints{
			FallbackText: "Hi, I'm Alex here to deliver a package for Maria",
			KnownNames:   []string{"Maria Lopez", "David Smith"},
		},
	})
	require.True(t, res.OK())
	assert.True(t, res.Degraded)
	assert.Equal(t, "Alex", res.String("name"))
	assert.Equal(t, "delivery", res.String("purpose"))
	assert.Equal(t, "Maria Lopez", res.String("contact_person"))
}

func TestInvokeUnknownSchema(t *testing.T) {
	client := llm.NewScriptedClient()
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Schema: "horoscope"})
	assert.True(t, res.Degraded)
	assert.True(t, errors.Is(res.Cause, schema.ErrUnknownSchema))
	assert.Empty(t, client.Calls())
}

func TestInvokeTextMode(t *testing.T) {
	client := llm.NewScriptedClient().OnText("", "<think>hmm</think> Hello visitor")
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Prompt: "greet"})
	assert.False(t, res.Degraded)
	assert.Nil(t, res.Value)
	assert.Contains(t, res.RawText, "Hello visitor")
}

func TestInvokeSummary(t *testing.T) {
	client := llm.NewScriptedClient().OnText(schema.Summary, "Visitor Alex, delivery for Maria.")
	inv := newInvoker(t, client)

	res := inv.Invoke(context.Background(), Call{Schema: schema.Summary})
	assert.False(t, res.Degraded)
	assert.Equal(t, "Visitor Alex, delivery for Maria.", res.String("text"))
}

func TestNewInvokerPanicsOnNilClient(t *testing.T) {
	assert.Panics(t, func() { NewInvoker(nil, nil) })
}
