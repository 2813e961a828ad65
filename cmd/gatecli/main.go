package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/security-gate-ai/cmd/mainconfig"
	"github.com/wolfman30/security-gate-ai/internal/app/bootstrap"
	appconfig "github.com/wolfman30/security-gate-ai/internal/config"
	"github.com/wolfman30/security-gate-ai/internal/frames"
	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const banner = `============================================================
SECURITY GATE
============================================================
Welcome to the security checkpoint. Please tell us who you are
and why you are here.
Commands: /profile /reset /frame <image> /threat <level> [indicators] /quit
============================================================`

func main() {
	_ = godotenv.Load()

	offline := flag.Bool("offline", false, "run without a language model (fallback rules only)")
	flag.Parse()

	cfg := appconfig.Load()
	if *offline {
		cfg.LLMProvider = "offline"
	}
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load AWS config:", err)
		os.Exit(1)
	}
	client, closeLLM, err := bootstrap.BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLLM()

	trail := bootstrap.BuildAuditTrail(nil, cfg, logger)
	g, err := bootstrap.BuildGate(ctx, cfg, bootstrap.GateDeps{
		Client:      client,
		Audit:       trail.Sink,
		EmailSender: bootstrap.BuildEmailSender(cfg, nil, logger),
		Registerer:  prometheus.NewRegistry(),
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer g.Manager.Shutdown(context.Background())

	fmt.Println(banner)
	if err := newInterview(g.Manager, os.Stdout).run(ctx, os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sessions interface {
	StartSession(ctx context.Context) string
	SubmitMessage(ctx context.Context, id, text string) (gate.Reply, error)
	SubmitFrame(ctx context.Context, id string, ref gate.FrameRef) error
	SubmitCurrentThreat(ctx context.Context, id string, r gate.ThreatFrameResult) (gate.ThreatUpdate, error)
	GetProfile(id string) (visitor.Profile, error)
	ResetSession(ctx context.Context, id string) (gate.SessionView, error)
	EndSession(ctx context.Context, id string) error
}

// interview drives one terminal session line by line.
type interview struct {
	sessions sessions
	out      io.Writer
	id       string
}

func newInterview(s sessions, out io.Writer) *interview {
	return &interview{sessions: s, out: out}
}

func (iv *interview) run(ctx context.Context, in io.Reader) error {
	iv.id = iv.sessions.StartSession(ctx)
	defer func() { _ = iv.sessions.EndSession(context.WithoutCancel(ctx), iv.id) }()

	scanner := bufio.NewScanner(in)
	iv.prompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			iv.prompt()
			continue
		}
		quit, err := iv.handle(ctx, line)
		if err != nil {
			fmt.Fprintln(iv.out, "error:", err)
		}
		if quit {
			fmt.Fprintln(iv.out, "Goodbye.")
			return nil
		}
		iv.prompt()
	}
	return scanner.Err()
}

func (iv *interview) prompt() {
	fmt.Fprint(iv.out, "\nVisitor: ")
}

func (iv *interview) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		reply, err := iv.sessions.SubmitMessage(ctx, iv.id, line)
		if err != nil {
			return false, err
		}
		iv.printReply(reply.AgentReply, reply.Decision)
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/profile":
		p, err := iv.sessions.GetProfile(iv.id)
		if err != nil {
			return false, err
		}
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(iv.out, string(b))
	case "/reset":
		view, err := iv.sessions.ResetSession(ctx, iv.id)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(iv.out, "Session reset (generation %d). Next visitor, please.\n", view.Profile.Generation)
	case "/frame":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /frame <image path>")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return false, err
		}
		uri, err := frames.DataURI(data)
		if err != nil {
			return false, err
		}
		if err := iv.sessions.SubmitFrame(ctx, iv.id, gate.FrameRef{URI: uri}); err != nil {
			return false, err
		}
		fmt.Fprintln(iv.out, "Frame queued for analysis.")
	case "/threat":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /threat <none|low|medium|high> [indicators]")
		}
		level, ok := visitor.ParseThreatLevel(fields[1])
		if !ok {
			return false, fmt.Errorf("unknown threat level %q", fields[1])
		}
		update, err := iv.sessions.SubmitCurrentThreat(ctx, iv.id, gate.ThreatFrameResult{
			ThreatLevel: level,
			Indicators:  fields[2:],
			Confidence:  1,
		})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(iv.out, "Threat level now %s.\n", update.ThreatLevel)
		if update.AgentReply != "" || update.Decision != visitor.DecisionNone {
			iv.printReply(update.AgentReply, update.Decision)
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (iv *interview) printReply(text string, d visitor.Decision) {
	if text != "" {
		fmt.Fprintf(iv.out, "Agent: %s\n", text)
	}
	if d != visitor.DecisionNone {
		fmt.Fprintf(iv.out, "[decision: %s]\n", d)
	}
}
