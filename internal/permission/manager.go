// Package permission manages the set of filesystem roots the user has
// authorized for indexing and retrieval. Nothing outside these roots is
// ever read; membership checks fail closed.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"localflow/internal/logging"
	"localflow/internal/types"
)

// ErrNotAllowed is returned when an operation targets a path outside the
// authorized scope.
var ErrNotAllowed = errors.New("path is not within an authorized root")

// ErrNotADirectory is returned when a granted path does not exist or is
// not a directory.
var ErrNotADirectory = errors.New("permission path must be an existing directory")

// rootEntry is the on-disk record for one authorized root.
type rootEntry struct {
	Path      string    `json:"path"`
	GrantedAt time.Time `json:"granted_at"`
}

type scopeFile struct {
	Roots []rootEntry `json:"roots"`
}

// Manager persists and queries the authorized root set. All mutations
// rewrite permissions.json atomically (temp file + rename).
type Manager struct {
	path string
	mu   sync.RWMutex
}

// NewManager returns a Manager storing its scope at the given file path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// caseInsensitiveFS reports whether path comparison should fold case on
// this platform's default filesystem.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// NormalizePath converts a path to its canonical comparable form:
// absolute, cleaned, trailing separators stripped.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to normalize path %q: %w", path, err)
	}
	cleaned := filepath.Clean(abs)
	if len(cleaned) > 1 {
		cleaned = strings.TrimRight(cleaned, string(filepath.Separator))
		if cleaned == "" {
			cleaned = string(filepath.Separator)
		}
	}
	return cleaned, nil
}

func foldCase(path string) string {
	if caseInsensitiveFS() {
		return strings.ToLower(path)
	}
	return path
}

// Grant adds one root to the scope. The path must be an existing directory.
func (m *Manager) Grant(path string) ([]string, error) {
	root, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	for _, e := range entries {
		if foldCase(e.Path) == foldCase(root) {
			return rootPaths(entries), nil
		}
	}
	entries = append(entries, rootEntry{Path: root, GrantedAt: time.Now().UTC()})
	if err := m.save(entries); err != nil {
		return nil, err
	}

	logging.Permission("Granted root: %s", root)
	return rootPaths(entries), nil
}

// Revoke removes one root from the scope. Revoking an absent root is a
// no-op, not an error.
func (m *Manager) Revoke(path string) ([]string, error) {
	root, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	kept := entries[:0]
	for _, e := range entries {
		if foldCase(e.Path) != foldCase(root) {
			kept = append(kept, e)
		}
	}
	if err := m.save(kept); err != nil {
		return nil, err
	}

	logging.Permission("Revoked root: %s", root)
	return rootPaths(kept), nil
}

// Set replaces the whole scope atomically. Every path must be an existing
// directory; duplicates collapse.
func (m *Manager) Set(paths []string) ([]string, error) {
	now := time.Now().UTC()
	var entries []rootEntry
	seen := make(map[string]bool)
	for _, path := range paths {
		root, err := NormalizePath(path)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, path)
		}
		key := foldCase(root)
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, rootEntry{Path: root, GrantedAt: now})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.save(entries); err != nil {
		return nil, err
	}

	logging.Permission("Scope replaced: %d roots", len(entries))
	return rootPaths(entries), nil
}

// Scope returns the current authorized scope.
func (m *Manager) Scope() types.PermissionScope {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.load()
	scope := types.PermissionScope{Roots: rootPaths(entries)}
	for _, e := range entries {
		if e.GrantedAt.After(scope.LastChangedAt) {
			scope.LastChangedAt = e.GrantedAt
		}
	}
	return scope
}

// List returns the authorized roots, sorted.
func (m *Manager) List() []string {
	return m.Scope().Roots
}

// Allowed reports whether path lies inside any authorized root.
func (m *Manager) Allowed(path string) bool {
	p, err := NormalizePath(path)
	if err != nil {
		return false
	}

	for _, root := range m.List() {
		if underRoot(p, root) {
			return true
		}
	}
	return false
}

// underRoot reports whether path equals root or lies below it.
func underRoot(path, root string) bool {
	p, r := foldCase(path), foldCase(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(filepath.Separator))
}

// load reads the scope file. A missing or malformed file is an empty
// scope, never an error: retrieval must fail closed, not crash.
func (m *Manager) load() []rootEntry {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil
	}
	var f scopeFile
	if err := json.Unmarshal(data, &f); err != nil {
		logging.Permission("Malformed permissions file, treating scope as empty: %v", err)
		return nil
	}

	out := make([]rootEntry, 0, len(f.Roots))
	seen := make(map[string]bool)
	for _, e := range f.Roots {
		root, err := NormalizePath(e.Path)
		if err != nil {
			continue
		}
		key := foldCase(root)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rootEntry{Path: root, GrantedAt: e.GrantedAt})
	}
	return out
}

// save writes the scope file atomically.
func (m *Manager) save(entries []rootEntry) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create permissions directory: %w", err)
	}

	data, err := json.MarshalIndent(scopeFile{Roots: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write permissions: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace permissions file: %w", err)
	}
	return nil
}

func rootPaths(entries []rootEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}
