package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	appconfig "github.com/wolfman30/security-gate-ai/internal/config"
	"github.com/wolfman30/security-gate-ai/internal/visits"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// memoryAuditPerSession caps the in-process audit trail kept when Redis is
// not configured.
const memoryAuditPerSession = 500

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisURL) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, audit trail stays in memory", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// AuditTrail is both ends of the audit trail.
type AuditTrail struct {
	Sink   audit.Sink
	Reader audit.Reader
}

// BuildAuditTrail writes every entry to the log and to Redis when a client
// is given, otherwise to a bounded in-memory trail.
func BuildAuditTrail(redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) AuditTrail {
	if logger == nil {
		logger = logging.Default()
	}
	logSink := audit.NewLogSink(logger)
	if redisClient != nil {
		ttl := cfg.AuditTTL
		store := audit.NewRedisSink(redisClient, ttl)
		logger.Info("audit trail persisted to redis", "ttl", ttl)
		return AuditTrail{Sink: audit.MultiSink{store, logSink}, Reader: store}
	}
	mem := audit.NewMemorySink(memoryAuditPerSession)
	return AuditTrail{Sink: audit.MultiSink{mem, logSink}, Reader: mem}
}

// BuildVisitStore connects Postgres when DATABASE_URL is set. The returned
// close func is never nil.
func BuildVisitStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*visits.Store, func(), error) {
	noop := func() {}
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, noop, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, noop, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, noop, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("visit records enabled")
	return visits.NewStore(pool), pool.Close, nil
}
