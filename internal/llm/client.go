// Package llm wraps the completion collaborator used for entity extraction.
//
// Calls are rate limited and, being idempotent reads, retried once with
// backoff. Callers bound every call with a short deadline and treat any error
// as "no result": extraction degrades to rule-based recognizers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultModel       = "gpt-4o-mini"
	defaultRateLimit   = 5.0 // requests per second
	defaultBurst       = 10
	defaultBaseBackoff = 200 * time.Millisecond
)

var (
	// ErrDisabled is returned by the no-op extractor.
	ErrDisabled = errors.New("llm extraction disabled")

	// ErrNoStructuredResult indicates the model reply held no JSON object.
	ErrNoStructuredResult = errors.New("no structured result in completion")
)

// Extractor is the completion/extraction collaborator.
type Extractor interface {
	// Extract runs instructions over text and returns the structured fields
	// the model reported. Values are strings; empty values are dropped.
	Extract(ctx context.Context, text, instructions string) (map[string]string, error)
}

// Config configures the langchaingo-backed extractor.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string

	// RateLimit is requests per second. Burst is the token bucket size.
	RateLimit float64
	Burst     int

	// Backoff is the pause before the single retry.
	Backoff time.Duration
}

type completeFunc func(ctx context.Context, prompt string) (string, error)

// Client implements Extractor on top of an OpenAI-compatible chat model.
type Client struct {
	complete completeFunc
	limiter  *rate.Limiter
	backoff  time.Duration
	logger   *zap.Logger
}

// NewClient creates a client for an OpenAI-compatible endpoint.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token even for local servers.
		token = "placeholder"
	}
	opts = append(opts, openai.WithToken(token))

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	complete := func(ctx context.Context, prompt string) (string, error) {
		return llms.GenerateFromSinglePrompt(ctx, model, prompt,
			llms.WithTemperature(0),
			llms.WithMaxTokens(256),
		)
	}
	return newClient(complete, cfg, logger), nil
}

func newClient(complete completeFunc, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBaseBackoff
	}
	return &Client{
		complete: complete,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

// Extract asks the model for a JSON object and returns its string fields.
func (c *Client) Extract(ctx context.Context, text, instructions string) (map[string]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	prompt := buildPrompt(text, instructions)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		reply, err := c.complete(ctx, prompt)
		if err == nil {
			return parseFields(reply)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("llm extraction attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("llm extraction: %w", lastErr)
}

func buildPrompt(text, instructions string) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nRespond with a single JSON object whose values are strings. ")
	b.WriteString("Omit fields you cannot find. Do not add commentary.\n\nMessage:\n")
	b.WriteString(text)
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseFields extracts the first JSON object from a completion. Models often
// wrap JSON in prose or code fences.
func parseFields(reply string) (map[string]string, error) {
	raw := jsonObject.FindString(reply)
	if raw == "" {
		return nil, ErrNoStructuredResult
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStructuredResult, err)
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		var s string
		switch val := v.(type) {
		case nil:
			continue
		case string:
			s = strings.TrimSpace(val)
		case float64:
			s = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(val)
		default:
			continue
		}
		if s != "" {
			out[k] = s
		}
	}
	return out, nil
}

// Disabled is an Extractor that always returns ErrDisabled.
type Disabled struct{}

// Extract returns ErrDisabled.
func (Disabled) Extract(context.Context, string, string) (map[string]string, error) {
	return nil, ErrDisabled
}
