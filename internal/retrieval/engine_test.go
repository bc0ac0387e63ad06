package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"localflow/internal/embedding"
	"localflow/internal/index"
	"localflow/internal/permission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retrievalFixture struct {
	engine  *Engine
	indexer *index.Indexer
	perms   *permission.Manager
	base    string
}

func newRetrievalFixture(t *testing.T) *retrievalFixture {
	t.Helper()
	base := t.TempDir()

	perms := permission.NewManager(filepath.Join(base, "permissions.json"))
	store, err := index.NewChunkStore(filepath.Join(base, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedEngine := embedding.NewLocalEngine(384)
	indexer := index.NewIndexer(store, perms, embedEngine, index.Config{ChunkSize: 1200, ChunkOverlap: 200})

	return &retrievalFixture{
		engine:  NewEngine(store, perms, embedEngine),
		indexer: indexer,
		perms:   perms,
		base:    base,
	}
}

func (f *retrievalFixture) addRoot(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	root := filepath.Join(f.base, name)
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	require.NoError(t, os.MkdirAll(root, 0755))
	_, err := f.perms.Grant(root)
	require.NoError(t, err)
	return root
}

func (f *retrievalFixture) build(t *testing.T) {
	t.Helper()
	_, err := f.indexer.Build(context.Background(), index.BuildOptions{Force: true})
	require.NoError(t, err)
}

func TestSearch_EmptyScopeIsPermissionRequired(t *testing.T) {
	f := newRetrievalFixture(t)

	_, err := f.engine.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrPermissionRequired)
}

func TestSearch_RanksRelevantContentFirst(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{
		"invoices.md": "invoice payment terms net 30 for contractor work",
		"recipes.md":  "how to bake sourdough bread with a long fermentation",
	})
	f.build(t)

	hits, err := f.engine.Search(context.Background(), "invoice payment terms", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].SourcePath, "invoices.md")
}

func TestSearch_FilenameTokenBoost(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{
		"budget.md": "numbers and plans for the year",
		"notes.md":  "numbers and plans for the year",
	})
	f.build(t)

	// Identical content: the filename token is the tie breaker signal.
	hits, err := f.engine.Search(context.Background(), "budget numbers", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].SourcePath, "budget.md")
}

func TestSearch_NarrowedScopeExcludesChunks(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "kept", map[string]string{"a.md": "quarterly revenue report"})
	revoked := f.addRoot(t, "revoked", map[string]string{"b.md": "quarterly revenue report"})
	f.build(t)

	hits, err := f.engine.Search(context.Background(), "quarterly revenue", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = f.perms.Revoke(revoked)
	require.NoError(t, err)

	hits, err = f.engine.Search(context.Background(), "quarterly revenue", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.NotContains(t, hits[0].SourcePath, "revoked")
}

func TestSearch_DeterministicTieBreak(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{
		"aa/x.md":      "identical chunk text here",
		"longer/x.md":  "identical chunk text here",
		"longest/x.md": "identical chunk text here",
	})
	f.build(t)

	first, err := f.engine.Search(context.Background(), "identical chunk text", 10)
	require.NoError(t, err)
	require.Len(t, first, 3)
	// Shorter path wins on equal score.
	assert.Contains(t, first[0].SourcePath, filepath.Join("aa", "x.md"))

	second, err := f.engine.Search(context.Background(), "identical chunk text", 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearch_EmptyQueryReturnsNothing(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{"a.md": "content"})

	hits, err := f.engine.Search(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFindFiles_MatchesPathTokens(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{
		"taxes/2024-tax-return.pdf": "x",
		"misc/random.bin":           "x",
	})

	hits, err := f.engine.FindFiles("find my tax return", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].SourcePath, "tax-return")
}

func TestFindFiles_EmptyScopeIsPermissionRequired(t *testing.T) {
	f := newRetrievalFixture(t)

	_, err := f.engine.FindFiles("report", 5)
	assert.ErrorIs(t, err, ErrPermissionRequired)
}

func TestFindFiles_StopwordOnlyQueryReturnsNothing(t *testing.T) {
	f := newRetrievalFixture(t)
	f.addRoot(t, "docs", map[string]string{"a.md": "x"})

	hits, err := f.engine.FindFiles("find my files", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
