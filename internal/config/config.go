package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Language model
	LLMProvider      string
	GeminiAPIKey     string
	GeminiModel      string
	BedrockModelID   string
	LLMDeadline      time.Duration
	DecisionDeadline time.Duration
	VisionDeadline   time.Duration

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Conversation
	MaxHumanMessages   int
	MaxHistoryTokens   int
	StaleSessionAfter  time.Duration
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	MinFieldConfidence float64
	AskAffiliation     bool

	// Schema and directory sources
	SchemaFile     string
	DirectoryFile  string
	WatchDirectory bool

	// Audit and persistence
	RedisURL    string
	AuditTTL    time.Duration
	DatabaseURL string

	// Notification
	EmailProvider  string
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string

	// Frames
	FrameBucket string
	FrameRate   float64
	FrameBurst  int

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LLMProvider:      strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "gemini"))),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		BedrockModelID:   getEnv("BEDROCK_MODEL_ID", ""),
		LLMDeadline:      getEnvAsDuration("LLM_DEADLINE", 8*time.Second),
		DecisionDeadline: getEnvAsDuration("DECISION_DEADLINE", 10*time.Second),
		VisionDeadline:   getEnvAsDuration("VISION_DEADLINE", 6*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		MaxHumanMessages:   getEnvAsInt("MAX_HUMAN_MESSAGES", 10),
		MaxHistoryTokens:   getEnvAsInt("MAX_HISTORY_TOKENS", 0),
		StaleSessionAfter:  getEnvAsDuration("STALE_SESSION_AFTER", 10*time.Minute),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		MinFieldConfidence: getEnvAsFloat("MIN_FIELD_CONFIDENCE", 0.4),
		AskAffiliation:     getEnvAsBool("ASK_AFFILIATION", false),

		SchemaFile:     getEnv("SCHEMA_FILE", ""),
		DirectoryFile:  getEnv("DIRECTORY_FILE", ""),
		WatchDirectory: getEnvAsBool("WATCH_DIRECTORY", false),

		RedisURL:    getEnv("REDIS_URL", ""),
		AuditTTL:    getEnvAsDuration("AUDIT_TTL", 24*time.Hour),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		EmailProvider:  strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", ""),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Security Gate"),

		FrameBucket: getEnv("FRAME_BUCKET", ""),
		FrameRate:   getEnvAsFloat("FRAME_RATE", 2),
		FrameBurst:  getEnvAsInt("FRAME_BURST", 5),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when LLM_PROVIDER=gemini"))
		}
	case "bedrock":
		if c.BedrockModelID == "" {
			errs = append(errs, errors.New("BEDROCK_MODEL_ID is required when LLM_PROVIDER=bedrock"))
		}
	case "offline":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}
	switch c.EmailProvider {
	case "stub":
	case "sendgrid":
		if c.SendGridAPIKey == "" || c.EmailFrom == "" {
			errs = append(errs, errors.New("SENDGRID_API_KEY and EMAIL_FROM are required when EMAIL_PROVIDER=sendgrid"))
		}
	case "ses":
		if c.EmailFrom == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required when EMAIL_PROVIDER=ses"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported EMAIL_PROVIDER %q", c.EmailProvider))
	}
	if c.MaxHumanMessages <= 0 {
		errs = append(errs, errors.New("MAX_HUMAN_MESSAGES must be positive"))
	}
	if c.MinFieldConfidence < 0 || c.MinFieldConfidence > 1 {
		errs = append(errs, errors.New("MIN_FIELD_CONFIDENCE must be within [0,1]"))
	}
	if c.LLMDeadline <= 0 || c.DecisionDeadline <= 0 || c.VisionDeadline <= 0 {
		errs = append(errs, errors.New("LLM deadlines must be positive"))
	}
	if c.FrameRate <= 0 || c.FrameBurst <= 0 {
		errs = append(errs, errors.New("FRAME_RATE and FRAME_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
