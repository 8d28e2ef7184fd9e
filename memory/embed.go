package memory

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingsClient captures the subset of the OpenAI SDK used by the embedder
// so tests can substitute a fake.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder on the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client EmbeddingsClient
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder wraps an embeddings client. An empty model selects
// text-embedding-3-small.
func NewOpenAIEmbedder(client EmbeddingsClient, model openai.EmbeddingModel) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, errors.New("embeddings client is required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Small
	}
	return &OpenAIEmbedder{client: client, model: model}, nil
}

// NewOpenAIEmbedderFromAPIKey constructs an embedder using the default OpenAI
// HTTP client.
func NewOpenAIEmbedderFromAPIKey(apiKey string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIEmbedder(&client.Embeddings, "")
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
