package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/security-gate-ai/internal/config"
	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// BuildLLMClient returns the configured model client wrapped with metrics
// and tracing. "offline" returns a client with no scripted replies, so every
// call degrades to the local fallbacks. The close func is never nil.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, func(), error) {
	noop := func() {}
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.LLMProvider {
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		logger.Info("language model configured", "provider", "gemini", "model", cfg.GeminiModel)
		return llm.Instrument(client, cfg.GeminiModel, logger), func() { _ = client.Close() }, nil
	case "bedrock":
		client := llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID)
		logger.Info("language model configured", "provider", "bedrock", "model", cfg.BedrockModelID)
		return llm.Instrument(client, cfg.BedrockModelID, logger), noop, nil
	case "offline":
		logger.Warn("language model disabled; all calls use fallbacks")
		return llm.Instrument(llm.NewScriptedClient(), "offline", logger), noop, nil
	}
	return nil, noop, fmt.Errorf("bootstrap: unsupported LLM_PROVIDER %q", cfg.LLMProvider)
}
