// Package llm provides text generation through langchaingo.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/policychat/internal/config"
	"github.com/raphaelgruber/policychat/internal/metrics"
)

// Model wraps langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// Option configures a Model.
type Option func(*Model)

// WithMetrics records generation timings and token usage.
func WithMetrics(m *metrics.Collector) Option {
	return func(mod *Model) { mod.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(mod *Model) { mod.logger = l }
}

// NewModel creates an LLM model based on configuration. awsCfg is only
// used by the bedrock provider.
func NewModel(cfg config.Config, awsCfg aws.Config, opts ...Option) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderBedrock:
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFromLLM(model, cfg.LLMModel, opts...), nil
}

// NewModelFromLLM wraps an existing langchaingo model.
func NewModelFromLLM(model llms.Model, name string, opts ...Option) *Model {
	m := &Model{llm: model, modelName: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate generates text based on a prompt.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	return m.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
}

// GenerateWithSystem generates text with a system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	})
}

func (m *Model) generate(ctx context.Context, messages []llms.MessageContent) (string, error) {
	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages)
	duration := time.Since(start)

	if err != nil {
		m.metrics.RecordResult(metrics.OpLLMGenerate, duration, err)
		m.logger.Warn("generation failed", "model", m.modelName, "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}

	if len(response.Choices) == 0 {
		m.metrics.RecordResult(metrics.OpLLMGenerate, duration, errNoChoices)
		return "", errNoChoices
	}

	choice := response.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, duration, in, out)
	m.logger.Debug("generation complete", "model", m.modelName, "duration_ms", duration.Milliseconds(), "input_tokens", in, "output_tokens", out)

	return choice.Content, nil
}

var errNoChoices = fmt.Errorf("no response choices")

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// tokenUsage reads token counts from generation info. Providers disagree
// on key names.
func tokenUsage(info map[string]any) (in, out int64) {
	in = firstCount(info, "input_tokens", "InputTokens", "PromptTokens", "prompt_tokens")
	out = firstCount(info, "output_tokens", "OutputTokens", "CompletionTokens", "completion_tokens")
	return in, out
}

func firstCount(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
