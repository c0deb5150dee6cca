// Package embed provides question embeddings for semantic duplicate
// detection in the knowledge store. Embeddings are optional: without a
// configured embedder, dedup falls back to normalized question text.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Embedder turns a question into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeminiEmbedder calls the Gemini embedContent endpoint.
type GeminiEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiEmbedder creates an embedding client. The API key comes from the
// GOOGLE_API_KEY environment variable.
func NewGeminiEmbedder(model string) (*GeminiEmbedder, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY environment variable required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GeminiEmbedder{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com/v1beta",
		model:      model,
		httpClient: &http.Client{},
	}, nil
}

type embedRequest struct {
	Content embedContent `json:"content"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed returns the embedding vector for one text.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embedRequest{Content: embedContent{Parts: []embedPart{{Text: text}}}}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error: %s - %s", resp.Status, string(body))
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return result.Embedding.Values, nil
}

// MockEmbedder is a mock implementation of Embedder for testing.
type MockEmbedder struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
}

// Embed calls the mock function.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return []float32{0, 0, 1}, nil
}
