package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoScript is returned by ScriptedClient when no reply is queued.
var ErrNoScript = errors.New("llm: no scripted reply")

// Reply is one canned completion.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// ScriptedClient replays canned replies keyed by schema name ("" for text
// calls). The last reply for a key repeats once the queue is drained.
// Used by tests and the offline CLI.
type ScriptedClient struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Request
}

func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{replies: make(map[string][]Reply)}
}

// On queues replies for the given schema name.
func (c *ScriptedClient) On(schemaName string, replies ...Reply) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[schemaName] = append(c.replies[schemaName], replies...)
	return c
}

// OnText is shorthand for a single successful reply.
func (c *ScriptedClient) OnText(schemaName, text string) *ScriptedClient {
	return c.On(schemaName, Reply{Text: text})
}

func (c *ScriptedClient) Complete(ctx context.Context, req Request) (Response, error) {
	key := ""
	if req.Schema != nil {
		key = req.Schema.Name
	}

	c.mu.Lock()
	c.calls = append(c.calls, req)
	queue := c.replies[key]
	var reply Reply
	found := len(queue) > 0
	if found {
		reply = queue[0]
		if len(queue) > 1 {
			c.replies[key] = queue[1:]
		}
	}
	c.mu.Unlock()

	if !found {
		return Response{}, ErrNoScript
	}
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if reply.Err != nil {
		return Response{}, reply.Err
	}
	return Response{Text: reply.Text, StopReason: "end_turn"}, nil
}

// Calls returns the requests received so far.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.calls...)
}

// CallCount counts requests made for one schema name.
func (c *ScriptedClient) CallCount(schemaName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.calls {
		name := ""
		if req.Schema != nil {
			name = req.Schema.Name
		}
		if name == schemaName {
			n++
		}
	}
	return n
}
