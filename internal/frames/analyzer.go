package frames

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/security-gate-ai/internal/gate"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/internal/schema"
	"github.com/wolfman30/security-gate-ai/internal/structured"
	"github.com/wolfman30/security-gate-ai/internal/visitor"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

const (
	IndicatorDangerousObject = "dangerous_object"
	IndicatorAngryFace       = "angry_face"
	IndicatorNoFace          = "no_face_detected"

	noFaceHint = "No face visible. Ask the visitor to look directly at the camera."

	defaultThreatConfidence = 0.5
)

// ErrAnalysisUnavailable means the model gave nothing usable for a frame.
var ErrAnalysisUnavailable = errors.New("frames: threat analysis unavailable")

const visionPrompt = `You are the camera analyst for a building security checkpoint.
Look at the image and report only what is visible.
Set dangerous_object to true only for a clearly visible weapon or dangerous object.
Set angry_face to true only when a visible face is clearly angry or aggressive.
Set no_face_detected to true when no human face can be seen.
threat_level is one of none, low, medium, high.`

// Analyzer implements gate.FrameAnalyzer with a vision model call.
type Analyzer struct {
	invoker  *structured.Invoker
	source   Source
	deadline time.Duration
	logger   *logging.Logger
}

func NewAnalyzer(invoker *structured.Invoker, source Source, deadline time.Duration, logger *logging.Logger) *Analyzer {
	if invoker == nil {
		panic("frames: invoker cannot be nil")
	}
	if source == nil {
		source = Router{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Analyzer{invoker: invoker, source: source, deadline: deadline, logger: logger}
}

func (a *Analyzer) Analyze(ctx context.Context, ref gate.FrameRef) (gate.ThreatFrameResult, error) {
	img, err := a.source.Fetch(ctx, ref.URI)
	if err != nil {
		return gate.ThreatFrameResult{}, fmt.Errorf("frames: failed to fetch frame %s: %w", ref.ID, err)
	}

	res := a.invoker.Invoke(ctx, structured.Call{
		Schema:   schema.ThreatAssessment,
		System:   visionPrompt,
		Prompt:   "Assess this checkpoint camera frame.",
		Images:   []llm.Image{img},
		Deadline: a.deadline,
	})
	if !res.OK() {
		a.logger.Warn("frames: no usable threat assessment", "frame_id", ref.ID, "error", res.Cause)
		return gate.ThreatFrameResult{}, ErrAnalysisUnavailable
	}

	out := assess(res)
	out.FrameID = ref.ID
	a.logger.Debug("frames: frame assessed",
		"frame_id", ref.ID,
		"threat_level", out.ThreatLevel.String(),
		"indicators", out.Indicators,
		"degraded", res.Degraded,
	)
	return out, nil
}

// assess maps a threat_assessment result onto a frame result. The boolean
// flags raise the reported level; they never lower it.
func assess(res structured.Result) gate.ThreatFrameResult {
	level, _ := visitor.ParseThreatLevel(res.String("threat_level"))
	var indicators []string
	add := func(tag string) {
		for _, t := range indicators {
			if t == tag {
				return
			}
		}
		indicators = append(indicators, tag)
	}

	if res.Bool(IndicatorDangerousObject) {
		level = visitor.ThreatHigh
		add(IndicatorDangerousObject)
	}
	if res.Bool(IndicatorAngryFace) {
		level = visitor.MaxThreat(level, visitor.ThreatMedium)
		add(IndicatorAngryFace)
	}
	out := gate.ThreatFrameResult{}
	if res.Bool(IndicatorNoFace) {
		add(IndicatorNoFace)
		out.Hint = noFaceHint
	}
	for _, tag := range res.Strings("indicators") {
		add(tag)
	}

	conf, ok := res.Float("confidence")
	if !ok {
		conf = defaultThreatConfidence
	}
	out.ThreatLevel = level
	out.Indicators = indicators
	out.Confidence = res.Confidence(conf)
	return out
}
