package index

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"localflow/internal/embedding"
	"localflow/internal/logging"
	"localflow/internal/permission"
	"localflow/internal/types"

	"golang.org/x/sync/errgroup"
)

// ignoredDirs are pruned from traversal entirely. This is a traversal-time
// prune, not a post-filter, so large dependency trees cost nothing.
var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"coverage":     true,
}

// allowedExt limits indexing to text-bearing file types.
var allowedExt = map[string]bool{
	".txt": true, ".md": true, ".rst": true, ".json": true, ".csv": true,
	".log": true, ".py": true, ".ts": true, ".tsx": true, ".js": true,
	".jsx": true, ".java": true, ".go": true, ".rs": true, ".c": true,
	".cpp": true, ".h": true, ".hpp": true, ".cs": true, ".sql": true,
	".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".xml": true,
	".html": true, ".css": true, ".sh": true, ".ps1": true, ".bat": true,
}

// maxFileBytes skips files too large to chunk usefully.
const maxFileBytes = 1_500_000

// embedConcurrency bounds parallel embedding calls during a build.
const embedConcurrency = 4

// ErrNoRoots is returned when a build is requested with an empty scope.
var ErrNoRoots = fmt.Errorf("no approved roots, grant folder permission first")

// BuildOptions controls one index build.
type BuildOptions struct {
	// Roots restricts the build; defaults to the full permission scope.
	Roots []string

	// MaxFiles bounds traversal for responsiveness.
	MaxFiles int

	// Force rebuilds even when the recorded root set is unchanged.
	Force bool
}

// Config holds chunking parameters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// Indexer traverses authorized roots, chunks eligible files, embeds the
// chunks and persists them atomically.
type Indexer struct {
	store  *ChunkStore
	perms  *permission.Manager
	engine embedding.EmbeddingEngine

	chunkSize    int
	chunkOverlap int

	// buildMu makes builds exclusive: interleaved writers would corrupt
	// the swap semantics.
	buildMu sync.Mutex

	// dirty is set by the filesystem watcher when anything under a root
	// changes, forcing the next build to run even with an unchanged
	// root set.
	dirty atomic.Bool
}

// NewIndexer creates an Indexer. Chunk size and overlap are clamped the
// same way regardless of config so a hostile config cannot produce
// degenerate chunking.
func NewIndexer(store *ChunkStore, perms *permission.Manager, engine embedding.EmbeddingEngine, cfg Config) *Indexer {
	size := cfg.ChunkSize
	if size < 400 {
		size = 400
	}
	overlap := cfg.ChunkOverlap
	if overlap < 50 {
		overlap = 50
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	return &Indexer{
		store:        store,
		perms:        perms,
		engine:       engine,
		chunkSize:    size,
		chunkOverlap: overlap,
	}
}

// MarkDirty flags the index as stale. The watcher calls this on changes.
func (ix *Indexer) MarkDirty() {
	ix.dirty.Store(true)
}

// Build runs one exclusive index build and returns its metadata.
//
// The whole result is accumulated in memory and swapped into the store in
// a single transaction, so an interrupted build leaves the previous index
// intact.
func (ix *Indexer) Build(ctx context.Context, opts BuildOptions) (*types.IndexMetadata, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	timer := logging.StartTimer(logging.CategoryIndex, "Build")
	defer timer.Stop()

	roots, err := ix.resolveRoots(opts.Roots)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1500
	}

	// Unchanged root set and no watcher activity: the build is already
	// satisfied.
	if !opts.Force && !ix.dirty.Load() {
		if meta, err := ix.store.Metadata(); err == nil && meta != nil && sameRootSet(meta.Roots, roots) {
			logging.Index("Index up to date for %d roots, skipping build", len(roots))
			return meta, nil
		}
	}

	files := ix.collectFiles(roots, maxFiles)
	logging.Index("Building index: %d candidate files across %d roots", len(files), len(roots))

	chunks, filesIndexed, err := ix.embedFiles(ctx, files)
	if err != nil {
		return nil, err
	}

	meta := types.IndexMetadata{
		Roots:         roots,
		FilesIndexed:  filesIndexed,
		ChunksIndexed: len(chunks),
		IndexedAt:     time.Now().UTC(),
	}
	if err := ix.store.Replace(chunks, meta); err != nil {
		return nil, fmt.Errorf("failed to persist index: %w", err)
	}

	ix.dirty.Store(false)
	logging.Index("Index build complete: %d files, %d chunks", filesIndexed, len(chunks))
	return &meta, nil
}

// Status returns the current scope and last build metadata.
func (ix *Indexer) Status() (types.PermissionScope, *types.IndexMetadata, error) {
	meta, err := ix.store.Metadata()
	if err != nil {
		return types.PermissionScope{}, nil, err
	}
	return ix.perms.Scope(), meta, nil
}

// resolveRoots defaults to the permission scope and rejects any explicit
// root that lies outside it.
func (ix *Indexer) resolveRoots(requested []string) ([]string, error) {
	scope := ix.perms.Scope()
	if len(requested) == 0 {
		return scope.Roots, nil
	}

	var roots []string
	for _, r := range requested {
		norm, err := permission.NormalizePath(r)
		if err != nil {
			return nil, err
		}
		if !ix.perms.Allowed(norm) {
			return nil, fmt.Errorf("%w: %s", permission.ErrNotAllowed, r)
		}
		roots = append(roots, norm)
	}
	sort.Strings(roots)
	return roots, nil
}

type candidateFile struct {
	path string
	root string
}

// collectFiles walks the roots, pruning the denylist and re-checking every
// candidate against the live permission scope.
func (ix *Indexer) collectFiles(roots []string, maxFiles int) []candidateFile {
	var out []candidateFile
	for _, root := range roots {
		if len(out) >= maxFiles {
			break
		}
		root := root
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if ignoredDirs[strings.ToLower(d.Name())] && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if len(out) >= maxFiles {
				return filepath.SkipAll
			}
			if !allowedExt[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			// Defense in depth: a stale root argument must not leak
			// files the user has since revoked.
			if !ix.perms.Allowed(path) {
				return nil
			}
			out = append(out, candidateFile{path: path, root: root})
			return nil
		})
	}
	return out
}

// embedFiles chunks and embeds every candidate with bounded concurrency.
// Output order is deterministic regardless of goroutine scheduling.
func (ix *Indexer) embedFiles(ctx context.Context, files []candidateFile) ([]types.Chunk, int, error) {
	perFile := make([][]types.Chunk, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			text := readFileText(f.path)
			pieces := ix.chunkText(text)
			if len(pieces) == 0 {
				return nil
			}

			chunks := make([]types.Chunk, 0, len(pieces))
			step := ix.chunkSize - ix.chunkOverlap
			for idx, piece := range pieces {
				vec, err := ix.engine.Embed(gctx, piece)
				if err != nil {
					return fmt.Errorf("failed to embed chunk %d of %s: %w", idx, f.path, err)
				}
				snippet := piece
				if len(snippet) > 700 {
					snippet = snippet[:700]
				}
				chunks = append(chunks, types.Chunk{
					ID:          fmt.Sprintf("%s::%d", f.path, idx),
					SourcePath:  f.path,
					Root:        f.root,
					StartOffset: idx * step,
					Text:        snippet,
					Vector:      vec,
				})
			}
			perFile[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var out []types.Chunk
	filesIndexed := 0
	for _, chunks := range perFile {
		if len(chunks) == 0 {
			continue
		}
		filesIndexed++
		out = append(out, chunks...)
	}
	return out, filesIndexed, nil
}

// chunkText splits text into overlapping windows. Overlap ensures no
// semantic unit is lost at a chunk boundary.
func (ix *Indexer) chunkText(text string) []string {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	if len(s) <= ix.chunkSize {
		return []string{s}
	}

	var out []string
	step := ix.chunkSize - ix.chunkOverlap
	for i := 0; i < len(s); i += step {
		end := i + ix.chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunk := strings.TrimSpace(s[i:end])
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func readFileText(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxFileBytes {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// sameRootSet compares two root lists as sets.
func sameRootSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, r := range a {
		set[r] = true
	}
	for _, r := range b {
		if !set[r] {
			return false
		}
	}
	return true
}
