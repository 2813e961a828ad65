package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

func TestRedisSinkAppendAndList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(client, time.Hour)
	ctx := context.Background()

	for i, msg := range []string{"frame folded", "threat escalated", "decision recorded"} {
		e := NewEntry("sess-1", LevelInfo, SourceVision, msg, map[string]int{"seq": i})
		require.NoError(t, sink.Append(ctx, e))
	}
	require.NoError(t, sink.Append(ctx, NewEntry("sess-2", LevelWarn, SourceConversation, "other", nil)))

	all, err := sink.List(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "frame folded", all[0].Message)
	assert.JSONEq(t, `{"seq":0}`, string(all[0].Details))

	last, err := sink.List(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "threat escalated", last[0].Message)

	ttl := mr.TTL(auditKey("sess-1"))
	assert.Equal(t, time.Hour, ttl)

	empty, err := sink.List(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisSinkErrorsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisSink(client, 0)
	mr.Close()

	err := sink.Append(context.Background(), NewEntry("s", LevelInfo, SourceSession, "x", nil))
	assert.Error(t, err)
}

func TestNewRedisSinkPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewRedisSink(nil, time.Minute) })
}

func TestMemorySinkBoundsPerSession(t *testing.T) {
	sink := NewMemorySink(2)
	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Append(ctx, NewEntry("s", LevelInfo, SourceSession, msg, nil)))
	}
	list, err := sink.List(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Message)

	list, _ = sink.List(ctx, "s", 1)
	assert.Equal(t, "c", list[0].Message)
}

type failingSink struct{}

func (failingSink) Append(context.Context, Entry) error { return errors.New("disk full") }

func TestMultiSinkFansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemorySink(10)
	var buf bytes.Buffer
	multi := MultiSink{mem, NewLogSink(logging.NewWithWriter("info", &buf)), failingSink{}, nil}

	err := multi.Append(context.Background(), NewEntry("s", LevelWarn, SourceDecision, "fallback decision", nil))
	assert.EqualError(t, err, "disk full")

	list, _ := mem.List(context.Background(), "s", 0)
	assert.Len(t, list, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Contains(t, line["msg"], "fallback decision")
}

func TestNewEntryDropsUnmarshalableDetails(t *testing.T) {
	e := NewEntry("s", LevelInfo, SourceSession, "x", map[string]any{"bad": make(chan int)})
	assert.Nil(t, e.Details)
	assert.NotEmpty(t, e.ID)
}
