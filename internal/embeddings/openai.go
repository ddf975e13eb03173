package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAIProvider embeds through langchaingo's OpenAI client. It works with
// OpenAI and with OpenAI-compatible servers such as TEI's /v1 routes.
type OpenAIProvider struct {
	embedder  lcembeddings.Embedder
	dimension int
}

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo requires a token even for local servers.
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIProvider{embedder: embedder, dimension: detectDimensionFromModel(cfg.Model)}, nil
}

// Embed returns the vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// Dimension returns the dimension inferred from the model name.
func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op for HTTP providers.
func (p *OpenAIProvider) Close() error {
	return nil
}
