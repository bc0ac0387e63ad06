package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// =============================================================================
// LOCAL HASHED-TOKEN ENGINE
// =============================================================================

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]{2,}`)

// LocalEngine embeds text as an L2-normalized bag of hashed tokens. It needs
// no external service, and identical input always produces identical vectors,
// which keeps index rebuilds reproducible.
type LocalEngine struct {
	dimensions int
}

// NewLocalEngine creates a local engine with the given dimensionality.
// Dimensions below 128 are clamped up to keep hash collisions tolerable.
func NewLocalEngine(dimensions int) *LocalEngine {
	if dimensions < 128 {
		dimensions = 384
	}
	return &LocalEngine{dimensions: dimensions}
}

// Embed generates an embedding for a single text.
func (e *LocalEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dimensions)
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(e.dimensions)] += 1.0
	}
	return l2Normalize(vec), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return fmt.Sprintf("local:%d", e.dimensions)
}

// Tokenize lowercases text and extracts word-ish tokens of length >= 2.
// Shared with retrieval's path-token scoring so both sides agree on what a
// token is.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum <= 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
