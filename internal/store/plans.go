package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"localflow/internal/hashing"
	"localflow/internal/types"
)

// UpsertToolPlan stores the canonical form of a draft's tool plan along with
// its content hash. The canonical bytes, not the caller's JSON, are what the
// hash covers, so semantically equal plans always share a hash.
func (s *LocalStore) UpsertToolPlan(draftID string, plan types.ToolPlan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, err := hashing.Canonicalize(plan)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize tool plan: %w", err)
	}
	hash := hashing.SHA256Hex(canonical)

	_, err = s.db.Exec(`
		INSERT INTO tool_plans (draft_id, json_canonical, content_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(draft_id) DO UPDATE SET
			json_canonical = excluded.json_canonical,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		draftID, string(canonical), hash, encodeTime(utcNow()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert tool plan: %w", err)
	}
	return hash, nil
}

// GetToolPlan loads a draft's tool plan and its stored hash. A draft with no
// plan row yields an empty plan and the hash of that empty plan.
func (s *LocalStore) GetToolPlan(draftID string) (types.ToolPlan, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var canonical, hash string
	err := s.db.QueryRow(
		"SELECT json_canonical, content_hash FROM tool_plans WHERE draft_id = ?", draftID,
	).Scan(&canonical, &hash)
	if err == sql.ErrNoRows {
		empty := types.ToolPlan{Actions: []types.ToolAction{}}
		h, herr := hashing.DigestOf(empty)
		if herr != nil {
			return empty, "", herr
		}
		return empty, h, nil
	}
	if err != nil {
		return types.ToolPlan{}, "", err
	}

	var plan types.ToolPlan
	if err := json.Unmarshal([]byte(canonical), &plan); err != nil {
		return types.ToolPlan{}, "", fmt.Errorf("failed to decode stored tool plan: %w", err)
	}
	return plan, hash, nil
}
