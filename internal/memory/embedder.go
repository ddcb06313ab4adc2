package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into a vector. Model identifies the embedding
// space; vectors from different models are never comparable, so the
// store pins the model per collection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

func NewOpenAIEmbedder(apiKey, apiBase, model string) *OpenAIEmbedder {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Model() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBase+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embed: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return out.Data[0].Embedding, nil
}

const localHashDim = 256

// LocalHashEmbedder is a deterministic offline embedder. It hashes
// word and character trigrams into a fixed-size vector and normalizes
// it. Quality is far below a real model but it keeps memory usable
// with no API key and makes tests hermetic.
type LocalHashEmbedder struct{}

func (LocalHashEmbedder) Model() string { return "local-hash-v1" }

func (LocalHashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localHashDim)
	lower := strings.ToLower(text)

	for _, word := range strings.Fields(lower) {
		addFeature(vec, word)
		runes := []rune(word)
		for i := 0; i+3 <= len(runes); i++ {
			addFeature(vec, string(runes[i:i+3]))
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func addFeature(vec []float32, feature string) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := sum % localHashDim
	// Second hash bit decides the sign so collisions partially cancel.
	if sum&0x80000000 != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}
