package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"localflow/internal/embedding"
	"localflow/internal/permission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type indexFixture struct {
	indexer *Indexer
	store   *ChunkStore
	perms   *permission.Manager
	root    string
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	base := t.TempDir()

	root := filepath.Join(base, "docs")
	require.NoError(t, os.MkdirAll(root, 0755))

	perms := permission.NewManager(filepath.Join(base, "permissions.json"))
	_, err := perms.Grant(root)
	require.NoError(t, err)

	store, err := NewChunkStore(filepath.Join(base, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	indexer := NewIndexer(store, perms, embedding.NewLocalEngine(384), Config{ChunkSize: 1200, ChunkOverlap: 200})
	return &indexFixture{indexer: indexer, store: store, perms: perms, root: root}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestBuild_IndexesEligibleFiles(t *testing.T) {
	f := newIndexFixture(t)

	writeFile(t, filepath.Join(f.root, "notes.md"), "meeting notes about the quarterly report")
	writeFile(t, filepath.Join(f.root, "sub", "plan.txt"), "rollout plan for the new feature")
	writeFile(t, filepath.Join(f.root, "photo.jpg"), "binary-ish")
	writeFile(t, filepath.Join(f.root, "node_modules", "pkg", "index.js"), "console.log('skip me')")
	writeFile(t, filepath.Join(f.root, ".git", "config"), "[core]")

	meta, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.FilesIndexed)
	assert.Equal(t, []string{f.root}, meta.Roots)

	chunks, err := f.store.Chunks()
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, f.root, c.Root)
		assert.NotContains(t, c.SourcePath, "node_modules")
		assert.Len(t, c.Vector, 384)
	}
}

func TestBuild_LongFilesAreChunkedWithOverlap(t *testing.T) {
	f := newIndexFixture(t)

	var long []byte
	for len(long) < 3000 {
		long = append(long, []byte("some reasonably long sentence about project planning. ")...)
	}
	writeFile(t, filepath.Join(f.root, "long.txt"), string(long))

	meta, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.FilesIndexed)
	assert.Greater(t, meta.ChunksIndexed, 1)

	chunks, err := f.store.Chunks()
	require.NoError(t, err)
	// Offsets advance by chunk size minus overlap.
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 1000, chunks[1].StartOffset)
}

func TestBuild_SkipsUnchangedRootSet(t *testing.T) {
	f := newIndexFixture(t)
	writeFile(t, filepath.Join(f.root, "a.md"), "alpha")

	first, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	second, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.True(t, first.IndexedAt.Equal(second.IndexedAt), "second build should be a no-op")

	forced, err := f.indexer.Build(context.Background(), BuildOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, forced.IndexedAt.After(first.IndexedAt))
}

func TestBuild_DirtyFlagForcesRebuild(t *testing.T) {
	f := newIndexFixture(t)
	writeFile(t, filepath.Join(f.root, "a.md"), "alpha")

	first, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.FilesIndexed)

	writeFile(t, filepath.Join(f.root, "b.md"), "beta")
	f.indexer.MarkDirty()

	second, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.FilesIndexed)
}

func TestBuild_ChangedRootSetRebuilds(t *testing.T) {
	f := newIndexFixture(t)
	writeFile(t, filepath.Join(f.root, "a.md"), "alpha")

	_, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	other := filepath.Join(filepath.Dir(f.root), "other")
	writeFile(t, filepath.Join(other, "b.md"), "beta")
	_, err = f.perms.Grant(other)
	require.NoError(t, err)

	meta, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, meta.Roots, 2)
	assert.Equal(t, 2, meta.FilesIndexed)
}

func TestBuild_MaxFilesBoundsTraversal(t *testing.T) {
	f := newIndexFixture(t)
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(f.root, string(rune('a'+i))+".md"), "content")
	}

	meta, err := f.indexer.Build(context.Background(), BuildOptions{MaxFiles: 3, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, meta.FilesIndexed)
}

func TestBuild_RejectsRootOutsideScope(t *testing.T) {
	f := newIndexFixture(t)

	outside := filepath.Join(filepath.Dir(f.root), "outside")
	require.NoError(t, os.MkdirAll(outside, 0755))

	_, err := f.indexer.Build(context.Background(), BuildOptions{Roots: []string{outside}})
	assert.ErrorIs(t, err, permission.ErrNotAllowed)
}

func TestBuild_EmptyScopeIsError(t *testing.T) {
	base := t.TempDir()
	perms := permission.NewManager(filepath.Join(base, "permissions.json"))
	store, err := NewChunkStore(filepath.Join(base, "index.db"))
	require.NoError(t, err)
	defer store.Close()

	indexer := NewIndexer(store, perms, embedding.NewLocalEngine(384), Config{})
	_, err = indexer.Build(context.Background(), BuildOptions{})
	assert.ErrorIs(t, err, ErrNoRoots)
}

func TestWatcher_MarksIndexDirty(t *testing.T) {
	f := newIndexFixture(t)
	writeFile(t, filepath.Join(f.root, "a.md"), "alpha")

	_, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	require.False(t, f.indexer.dirty.Load())

	w, err := NewWatcher(f.indexer)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background(), []string{f.root}))
	defer w.Stop()

	writeFile(t, filepath.Join(f.root, "fresh.md"), "new content")

	assert.Eventually(t, func() bool {
		return f.indexer.dirty.Load()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchAndRebuild_RebuildsOnChange(t *testing.T) {
	f := newIndexFixture(t)
	writeFile(t, filepath.Join(f.root, "a.md"), "alpha")

	_, err := f.indexer.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.indexer.WatchAndRebuild(ctx, BuildOptions{}, 50*time.Millisecond)
	}()

	writeFile(t, filepath.Join(f.root, "fresh.md"), "new content")

	assert.Eventually(t, func() bool {
		meta, err := f.store.Metadata()
		return err == nil && meta != nil && meta.FilesIndexed == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchAndRebuild_EmptyScopeIsError(t *testing.T) {
	f := newIndexFixture(t)
	_, err := f.perms.Set(nil)
	require.NoError(t, err)

	err = f.indexer.WatchAndRebuild(context.Background(), BuildOptions{}, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoRoots)
}
