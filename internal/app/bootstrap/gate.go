package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/security-gate-ai/internal/audit"
	appconfig "github.com/wolfman30/security-gate-ai/internal/config"
	"github.com/wolfman30/security-gate-ai/internal/directory"
	"github.com/wolfman30/security-gate-ai/internal/frames"
	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/notify"
	"github.com/wolfman30/security-gate-ai/internal/observability/metrics"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// GateDeps are the collaborators BuildGate cannot derive from config.
type GateDeps struct {
	Client      llm.Client
	Audit       audit.Sink
	Visits      gate.VisitRecorder
	EmailSender notify.EmailSender
	// S3 enables s3:// frame fetches and uploads when FRAME_BUCKET is set.
	S3         frames.S3API
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Gate is the wired session engine.
type Gate struct {
	Manager    *gate.Manager
	Directory  *directory.Store
	Metrics    *metrics.GateMetrics
	FrameStore *frames.S3Source
}

// EngineConfig maps service configuration onto the engine's tunables.
func EngineConfig(cfg *appconfig.Config) gate.Config {
	c := gate.DefaultConfig()
	c.LLMDeadline = cfg.LLMDeadline
	c.DecisionDeadline = cfg.DecisionDeadline
	c.VisionDeadline = cfg.VisionDeadline
	c.MaxHumanMessages = cfg.MaxHumanMessages
	c.MaxHistoryTokens = cfg.MaxHistoryTokens
	c.StaleAfter = cfg.StaleSessionAfter
	c.MinFieldConfidence = cfg.MinFieldConfidence
	c.AskAffiliation = cfg.AskAffiliation
	return c
}

// BuildGate loads the schema registry and contact directory and wires the
// session manager. With WATCH_DIRECTORY the directory reloads until ctx is
// done.
func BuildGate(ctx context.Context, cfg *appconfig.Config, deps GateDeps) (*Gate, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("bootstrap: llm client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registry, err := schema.Load(cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load schemas: %w", err)
	}
	dir, err := directory.Load(cfg.DirectoryFile)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load directory: %w", err)
	}
	store := directory.NewStore(dir, logger)
	if cfg.WatchDirectory && strings.TrimSpace(cfg.DirectoryFile) != "" {
		if err := store.Watch(ctx, cfg.DirectoryFile); err != nil {
			logger.Warn("directory watch unavailable", "path", cfg.DirectoryFile, "error", err)
		}
	}
	logger.Info("contact directory loaded", "contacts", dir.Len())

	gm := metrics.NewGateMetrics(reg)
	llm.RegisterMetrics(reg)

	invoker := structured.NewInvoker(deps.Client, registry,
		structured.WithLogger(logger),
		structured.WithDefaultDeadline(cfg.LLMDeadline),
		structured.WithObserver(gm))

	opts := []gate.EngineOption{
		gate.WithLogger(logger),
		gate.WithMetrics(gm),
		gate.WithNotifier(notify.NewDispatcher(deps.EmailSender, store, logger)),
	}
	if deps.Audit != nil {
		opts = append(opts, gate.WithAudit(deps.Audit))
	}
	if deps.Visits != nil {
		opts = append(opts, gate.WithVisits(deps.Visits))
	}
	engine := gate.NewEngine(invoker, EngineConfig(cfg), opts...)

	var s3 *frames.S3Source
	if deps.S3 != nil {
		s3 = frames.NewS3Source(deps.S3, cfg.FrameBucket, logger)
	}
	analyzer := frames.NewAnalyzer(invoker, frames.Router{S3: s3}, cfg.VisionDeadline, logger)

	manager := gate.NewManager(gate.ManagerDeps{
		Engine:    engine,
		Directory: store,
		Analyzer:  analyzer,
		Logger:    logger,
	})
	return &Gate{Manager: manager, Directory: store, Metrics: gm, FrameStore: s3}, nil
}

// BuildEmailSender picks the notification transport. The stub only logs.
func BuildEmailSender(cfg *appconfig.Config, ses notify.SESAPI, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); s != nil {
			return s
		}
	case "ses":
		if s := notify.NewSESSender(ses, notify.SESConfig{
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); s != nil {
			return s
		}
	}
	logger.Info("contact notifications use the stub sender")
	return notify.NewStubEmailSender(logger)
}
