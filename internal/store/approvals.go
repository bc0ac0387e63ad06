package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"localflow/internal/logging"
	"localflow/internal/types"

	"github.com/google/uuid"
)

// CreateApproval snapshots the given hashes and action list as an immutable
// approval and marks the draft APPROVED. The snapshot never changes after
// this point; edits to the draft simply make its hash stop matching.
func (s *LocalStore) CreateApproval(draftID, draftHash, toolPlanHash string, actions []types.ToolAction) (*types.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actions == nil {
		actions = []types.ToolAction{}
	}
	snapshot, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approved actions: %w", err)
	}

	approval := &types.Approval{
		ID:              uuid.NewString(),
		DraftID:         draftID,
		DraftHash:       draftHash,
		ToolPlanHash:    toolPlanHash,
		ApprovedActions: actions,
		CreatedAt:       utcNow(),
	}

	_, err = s.db.Exec(
		"INSERT INTO approvals (id, draft_id, draft_hash, tool_plan_hash, approved_actions, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		approval.ID, approval.DraftID, approval.DraftHash, approval.ToolPlanHash,
		string(snapshot), encodeTime(approval.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	if err := s.markDraftApprovedLocked(draftID); err != nil {
		return nil, err
	}

	logging.Gate("Approval %s created for draft %s (draft_hash=%s plan_hash=%s)",
		approval.ID, draftID, draftHash, toolPlanHash)
	return approval, nil
}

// GetApproval loads an approval by id.
func (s *LocalStore) GetApproval(id string) (*types.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a types.Approval
	var snapshot, createdAt string
	err := s.db.QueryRow(
		"SELECT id, draft_id, draft_hash, tool_plan_hash, approved_actions, created_at FROM approvals WHERE id = ?", id,
	).Scan(&a.ID, &a.DraftID, &a.DraftHash, &a.ToolPlanHash, &snapshot, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(snapshot), &a.ApprovedActions); err != nil {
		return nil, fmt.Errorf("failed to decode approved actions: %w", err)
	}
	a.CreatedAt = decodeTime(createdAt)
	return &a, nil
}

// LatestApproval returns the most recent approval for a draft, or ErrNotFound.
func (s *LocalStore) LatestApproval(draftID string) (*types.Approval, error) {
	s.mu.RLock()
	var id string
	err := s.db.QueryRow(
		"SELECT id FROM approvals WHERE draft_id = ? ORDER BY created_at DESC LIMIT 1", draftID,
	).Scan(&id)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no approval for draft %s", ErrNotFound, draftID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetApproval(id)
}
