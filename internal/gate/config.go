package gate

import "time"

// Config tunes the conversation engine and session manager.
type Config struct {
	LLMDeadline        time.Duration
	DecisionDeadline   time.Duration
	VisionDeadline     time.Duration
	MaxHumanMessages   int
	MaxHistoryTokens   int
	StaleAfter         time.Duration
	MinFieldConfidence float64
	FrameQueueSize     int
	// AskAffiliation asks once for a missing affiliation before deciding.
	AskAffiliation bool
}

func DefaultConfig() Config {
	return Config{
		LLMDeadline:        8 * time.Second,
		DecisionDeadline:   10 * time.Second,
		VisionDeadline:     6 * time.Second,
		MaxHumanMessages:   10,
		StaleAfter:         10 * time.Minute,
		MinFieldConfidence: 0.4,
		FrameQueueSize:     8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LLMDeadline <= 0 {
		c.LLMDeadline = d.LLMDeadline
	}
	if c.DecisionDeadline <= 0 {
		c.DecisionDeadline = d.DecisionDeadline
	}
	if c.VisionDeadline <= 0 {
		c.VisionDeadline = d.VisionDeadline
	}
	if c.MaxHumanMessages <= 0 {
		c.MaxHumanMessages = d.MaxHumanMessages
	}
	if c.MinFieldConfidence <= 0 {
		c.MinFieldConfidence = d.MinFieldConfidence
	}
	if c.FrameQueueSize <= 0 {
		c.FrameQueueSize = d.FrameQueueSize
	}
	return c
}
