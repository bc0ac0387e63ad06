// Package index builds and persists the local chunk index used by
// retrieval. Building is exclusive (single writer) and atomic: chunks are
// accumulated in memory and swapped into SQLite in one transaction, so a
// concurrent search never observes a half-built index.
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"localflow/internal/logging"
	"localflow/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// ChunkStore persists indexed chunks and build metadata in SQLite.
// It uses the cgo driver so the sqlite-vec extension can accelerate
// similarity search when built with the sqlite_vec tag.
type ChunkStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewChunkStore opens (and initializes) the chunk index at path.
func NewChunkStore(path string) (*ChunkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.IndexDebug("Failed to set journal_mode=WAL on chunk index: %v", err)
	}

	store := &ChunkStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *ChunkStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		root TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		text TEXT NOT NULL,
		embedding TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_root ON chunks(root);

	CREATE TABLE IF NOT EXISTS index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		roots TEXT NOT NULL,
		files_indexed INTEGER NOT NULL,
		chunks_indexed INTEGER NOT NULL,
		indexed_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize chunk index schema: %w", err)
	}
	return nil
}

// Replace swaps the whole index content in one transaction.
func (s *ChunkStore) Replace(chunks []types.Chunk, meta types.IndexMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("failed to clear chunk index: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO chunks (id, source_path, root, start_offset, text, embedding) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		embeddingJSON, err := json.Marshal(c.Vector)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		if _, err := stmt.Exec(c.ID, c.SourcePath, c.Root, c.StartOffset, c.Text, string(embeddingJSON)); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	rootsJSON, err := json.Marshal(meta.Roots)
	if err != nil {
		return fmt.Errorf("failed to serialize roots: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO index_meta (id, roots, files_indexed, chunks_indexed, indexed_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			roots = excluded.roots,
			files_indexed = excluded.files_indexed,
			chunks_indexed = excluded.chunks_indexed,
			indexed_at = excluded.indexed_at`,
		string(rootsJSON), meta.FilesIndexed, meta.ChunksIndexed, meta.IndexedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}

	return tx.Commit()
}

// Chunks returns every indexed chunk with its embedding.
func (s *ChunkStore) Chunks() ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, source_path, root, start_offset, text, embedding FROM chunks ORDER BY source_path, start_offset")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var embeddingJSON string
		if err := rows.Scan(&c.ID, &c.SourcePath, &c.Root, &c.StartOffset, &c.Text, &embeddingJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &c.Vector); err != nil {
			logging.IndexDebug("Skipping chunk %s with corrupt embedding: %v", c.ID, err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Metadata returns the last completed build's metadata, or nil when the
// index has never been built.
func (s *ChunkStore) Metadata() (*types.IndexMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rootsJSON, indexedAt string
	var meta types.IndexMetadata
	err := s.db.QueryRow("SELECT roots, files_indexed, chunks_indexed, indexed_at FROM index_meta WHERE id = 1").
		Scan(&rootsJSON, &meta.FilesIndexed, &meta.ChunksIndexed, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rootsJSON), &meta.Roots); err != nil {
		return nil, fmt.Errorf("failed to decode index roots: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, indexedAt); err == nil {
		meta.IndexedAt = t
	}
	return &meta, nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
