package permission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "permissions.json")), dir
}

func TestGrantRevokeList(t *testing.T) {
	m, dir := newManager(t)

	docs := filepath.Join(dir, "docs")
	notes := filepath.Join(dir, "notes")
	require.NoError(t, os.MkdirAll(docs, 0755))
	require.NoError(t, os.MkdirAll(notes, 0755))

	roots, err := m.Grant(docs)
	require.NoError(t, err)
	assert.Equal(t, []string{docs}, roots)

	roots, err = m.Grant(notes)
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	// Granting twice is a no-op.
	roots, err = m.Grant(docs)
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	roots, err = m.Revoke(docs)
	require.NoError(t, err)
	assert.Equal(t, []string{notes}, roots)

	// Revoking an absent root is not an error.
	roots, err = m.Revoke(docs)
	require.NoError(t, err)
	assert.Equal(t, []string{notes}, roots)
}

func TestGrant_RejectsMissingDirectory(t *testing.T) {
	m, dir := newManager(t)

	_, err := m.Grant(filepath.Join(dir, "no-such-dir"))
	assert.ErrorIs(t, err, ErrNotADirectory)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = m.Grant(file)
	assert.ErrorIs(t, err, ErrNotADirectory)
}

func TestSet_ReplacesWholesale(t *testing.T) {
	m, dir := newManager(t)

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.MkdirAll(a, 0755))
	require.NoError(t, os.MkdirAll(b, 0755))

	_, err := m.Grant(a)
	require.NoError(t, err)

	roots, err := m.Set([]string{b, b})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, roots)
	assert.False(t, m.Allowed(filepath.Join(a, "x.txt")))
	assert.True(t, m.Allowed(filepath.Join(b, "x.txt")))
}

func TestAllowed_PathNormalization(t *testing.T) {
	m, dir := newManager(t)

	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0755))

	// Trailing separator is stripped before comparison.
	_, err := m.Grant(docs + string(filepath.Separator))
	require.NoError(t, err)

	assert.True(t, m.Allowed(docs))
	assert.True(t, m.Allowed(filepath.Join(docs, "deep", "nested", "file.md")))
	assert.False(t, m.Allowed(dir))

	// A sibling whose name shares a prefix is not inside the root.
	assert.False(t, m.Allowed(filepath.Join(dir, "docs-other", "file.md")))
}

func TestScope_EmptyWhenFileMissingOrMalformed(t *testing.T) {
	m, dir := newManager(t)
	assert.True(t, m.Scope().IsEmpty())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "permissions.json"), []byte("{broken"), 0644))
	m2 := NewManager(filepath.Join(dir, "permissions.json"))
	assert.True(t, m2.Scope().IsEmpty())
}

func TestScope_SurvivesReload(t *testing.T) {
	m, dir := newManager(t)

	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0755))
	_, err := m.Grant(docs)
	require.NoError(t, err)

	reloaded := NewManager(filepath.Join(dir, "permissions.json"))
	scope := reloaded.Scope()
	assert.Equal(t, []string{docs}, scope.Roots)
	assert.False(t, scope.LastChangedAt.IsZero())
}
