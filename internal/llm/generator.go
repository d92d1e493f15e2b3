// Package llm generates fix patches through an OpenAI-compatible chat
// completion endpoint via langchaingo.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/remedyd/internal/autofix"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
)

// Config configures the fix generator.
type Config struct {
	// BaseURL is the OpenAI-compatible API endpoint.
	// Default: "https://api.openai.com/v1"
	BaseURL string `koanf:"base_url"`

	// Model is the chat completion model.
	// Default: "gpt-4"
	Model string `koanf:"model"`

	// APIKey authenticates against the endpoint.
	APIKey config.Secret `koanf:"api_key"`

	// Temperature for completions. Low by default: patches should be
	// conservative.
	// Default: 0.2
	Temperature float64 `koanf:"temperature"`

	// RequestsPerMinute throttles calls to the endpoint.
	// Default: 30
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// RequestTimeout bounds a single completion.
	// Default: 60 seconds
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4",
		Temperature:       0.2,
		RequestsPerMinute: 30,
		RequestTimeout:    60 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Temperature == 0 {
		c.Temperature = defaults.Temperature
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
}

// Validate validates the generator configuration.
func (c *Config) Validate() error {
	if !c.APIKey.IsSet() {
		return fmt.Errorf("llm api key is required")
	}
	return nil
}

// Generator produces patches via chat completion.
type Generator struct {
	model   llms.Model
	limiter *rate.Limiter
	cfg     Config
	logger  *logging.Logger
}

var _ autofix.FixGenerator = (*Generator)(nil)

// NewGenerator creates a rate-limited fix generator.
func NewGenerator(cfg Config, logger *logging.Logger) (*Generator, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey.Value()),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	return &Generator{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		cfg:     cfg,
		logger:  logger.Named("llm"),
	}, nil
}

// GenerateFix asks the model for a patch given the vulnerable snippet and
// similar historical fixes. An empty or missing completion is terminal:
// re-sending the identical prompt is not a transient-failure retry.
func (g *Generator) GenerateFix(ctx context.Context, req autofix.FixRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	system := systemPrompt(req)
	user, err := userPrompt(req)
	if err != nil {
		return "", saga.Terminal(err)
	}

	resp, err := g.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(g.cfg.Temperature))
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", saga.Terminal(fmt.Errorf("completion returned no choices"))
	}

	patch := strings.TrimSpace(resp.Choices[0].Content)
	g.logger.Debug(ctx, "fix generated",
		zap.String("cve_id", req.CVEID),
		zap.String("model", g.cfg.Model),
		zap.Int("patch_bytes", len(patch)),
	)
	return patch, nil
}

func systemPrompt(req autofix.FixRequest) string {
	description := req.Description
	if description == "" {
		description = req.VulnerabilityName
	}
	return "You are a security expert. Fix this vulnerability: " + description
}

func userPrompt(req autofix.FixRequest) (string, error) {
	var b strings.Builder
	b.WriteString("Vulnerable code:\n```\n")
	b.WriteString(req.Snippet)
	b.WriteString("\n```\n")

	if len(req.SimilarFixes) > 0 {
		serialized, err := json.MarshalIndent(req.SimilarFixes, "", "  ")
		if err != nil {
			return "", fmt.Errorf("serialize similar fixes: %w", err)
		}
		b.WriteString("\nSimilar fixes from past vulnerabilities, most relevant first:\n")
		b.Write(serialized)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with a unified diff patch only.")
	return b.String(), nil
}
