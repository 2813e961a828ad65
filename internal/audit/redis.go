package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultTTL = 24 * time.Hour

// RedisSink stores entries in one list per session with a sliding TTL.
type RedisSink struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if client == nil {
		panic("audit: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisSink{
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("gate.internal.audit"),
	}
}

func (s *RedisSink) Append(ctx context.Context, e Entry) error {
	ctx, span := s.tracer.Start(ctx, "audit.append")
	defer span.End()
	span.SetAttributes(attribute.String("gate.audit.source", string(e.Source)))

	data, err := json.Marshal(e)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("audit: failed to marshal entry: %w", err)
	}
	key := auditKey(e.SessionID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("audit: failed to append entry: %w", err)
	}
	return nil
}

func (s *RedisSink) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "audit.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.redis.LRange(ctx, auditKey(sessionID), start, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("audit: failed to list entries: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("audit: failed to decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func auditKey(sessionID string) string {
	return fmt.Sprintf("gate:audit:%s", sessionID)
}
