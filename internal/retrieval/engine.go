// Package retrieval ranks indexed chunks against a query. Results are
// always filtered by the live permission scope, so a chunk indexed under a
// since-revoked root can never surface.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"localflow/internal/embedding"
	"localflow/internal/index"
	"localflow/internal/logging"
	"localflow/internal/permission"
	"localflow/internal/types"
)

// ErrPermissionRequired distinguishes "no scope configured" from "no
// matches": the caller can prompt for folder permission instead of
// reporting an empty result.
var ErrPermissionRequired = errors.New("no approved folders, grant permission before searching")

// queryStopwords are filler words stripped from queries before path-token
// matching.
var queryStopwords = map[string]bool{
	"find": true, "search": true, "locate": true, "where": true, "is": true,
	"are": true, "the": true, "a": true, "an": true, "of": true, "for": true,
	"in": true, "on": true, "to": true, "my": true, "local": true, "pc": true,
	"computer": true, "disk": true, "drive": true, "file": true, "files": true,
	"folder": true, "folders": true, "directory": true, "document": true,
	"documents": true,
}

// Path-token boosts layered on top of cosine similarity. Exact filename
// matches are a strong signal against pure-embedding false positives.
const (
	tokenOverlapBoost  = 0.10
	filenameMatchBoost = 0.20
)

// Engine answers search queries over the chunk index.
type Engine struct {
	chunks *index.ChunkStore
	perms  *permission.Manager
	embed  embedding.EmbeddingEngine
}

// NewEngine creates a retrieval Engine.
func NewEngine(chunks *index.ChunkStore, perms *permission.Manager, embed embedding.EmbeddingEngine) *Engine {
	return &Engine{chunks: chunks, perms: perms, embed: embed}
}

// Search returns the topK chunks ranked by cosine similarity plus
// path-token overlap. Determinism: ties break by shorter path, then by
// earlier offset.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]types.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if e.perms.Scope().IsEmpty() {
		return nil, ErrPermissionRequired
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	queryVec, err := e.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryTokens := contentTokens(query)

	chunks, err := e.chunks.Chunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk index: %w", err)
	}

	type candidate struct {
		chunk types.Chunk
		score float64
	}
	var candidates []candidate
	for _, c := range chunks {
		// Scope may have narrowed since the chunk was indexed.
		if !e.perms.Allowed(c.SourcePath) {
			continue
		}
		cos, err := embedding.CosineSimilarity(queryVec, c.Vector)
		if err != nil {
			continue
		}
		score := cos + pathBoost(c.SourcePath, queryTokens)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, candidate{chunk: c, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.chunk.SourcePath) != len(b.chunk.SourcePath) {
			return len(a.chunk.SourcePath) < len(b.chunk.SourcePath)
		}
		return a.chunk.StartOffset < b.chunk.StartOffset
	})

	limit := clampTopK(topK, 12)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]types.SearchHit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, types.SearchHit{
			SourcePath: c.chunk.SourcePath,
			Snippet:    c.chunk.Text,
			Score:      c.score,
		})
	}
	logging.Retrieval("Search %q returned %d hits", query, len(hits))
	return hits, nil
}

// pathBoost rewards query tokens that appear in the chunk's path, with an
// extra reward when the filename itself matches.
func pathBoost(path string, queryTokens map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	pathTokens := embedding.Tokenize(path)
	filename := strings.ToLower(filepath.Base(path))

	var boost float64
	seen := make(map[string]bool)
	for _, tok := range pathTokens {
		if queryTokens[tok] && !seen[tok] {
			seen[tok] = true
			boost += tokenOverlapBoost
			if strings.Contains(filename, tok) {
				boost += filenameMatchBoost
			}
		}
	}
	return boost
}

// contentTokens tokenizes a query, dropping stopwords and bare numbers.
func contentTokens(query string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range embedding.Tokenize(query) {
		if len(tok) < 3 || queryStopwords[tok] || isDigits(tok) {
			continue
		}
		out[tok] = true
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func clampTopK(topK, max int) int {
	if topK < 1 {
		topK = 1
	}
	if topK > max {
		topK = max
	}
	return topK
}
