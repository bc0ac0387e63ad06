package store

import (
	"database/sql"
	"fmt"

	"localflow/internal/logging"
	"localflow/internal/types"

	"github.com/google/uuid"
)

// CreateDraft creates a new draft in DRAFTING state.
func (s *LocalStore) CreateDraft(conversationID, title, content string) (*types.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := utcNow()
	draft := &types.Draft{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Title:          title,
		Content:        content,
		Status:         types.DraftStatusDrafting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.Exec(
		"INSERT INTO drafts (id, conversation_id, title, content, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		draft.ID, draft.ConversationID, draft.Title, draft.Content, string(draft.Status),
		encodeTime(draft.CreatedAt), encodeTime(draft.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	logging.Draft("Created draft %s in conversation %s", draft.ID, conversationID)
	return draft, nil
}

// GetDraft loads a draft by id.
func (s *LocalStore) GetDraft(id string) (*types.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDraftLocked(id)
}

func (s *LocalStore) getDraftLocked(id string) (*types.Draft, error) {
	var d types.Draft
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(
		"SELECT id, conversation_id, title, content, status, created_at, updated_at FROM drafts WHERE id = ?", id,
	).Scan(&d.ID, &d.ConversationID, &d.Title, &d.Content, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	d.Status = types.DraftStatus(status)
	d.CreatedAt = decodeTime(createdAt)
	d.UpdatedAt = decodeTime(updatedAt)
	return &d, nil
}

// UpdateDraft replaces the draft title and content. Any edit moves the
// draft back to DRAFTING so a stored approval stops matching its hash.
func (s *LocalStore) UpdateDraft(id, title, content string) (*types.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := utcNow()
	res, err := s.db.Exec(
		"UPDATE drafts SET title = ?, content = ?, status = ?, updated_at = ? WHERE id = ?",
		title, content, string(types.DraftStatusDrafting), encodeTime(now), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}

	logging.Draft("Updated draft %s (status reset to DRAFTING)", id)
	return s.getDraftLocked(id)
}

// MarkDraftApproved flips the draft to APPROVED without touching its content.
func (s *LocalStore) MarkDraftApproved(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markDraftApprovedLocked(id)
}

func (s *LocalStore) markDraftApprovedLocked(id string) error {
	res, err := s.db.Exec(
		"UPDATE drafts SET status = ?, updated_at = ? WHERE id = ?",
		string(types.DraftStatusApproved), encodeTime(utcNow()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark draft approved: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	return nil
}

// ListDrafts returns the drafts of a conversation, newest first.
func (s *LocalStore) ListDrafts(conversationID string) ([]types.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, conversation_id, title, content, status, created_at, updated_at FROM drafts WHERE conversation_id = ? ORDER BY created_at DESC",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Draft
	for rows.Next() {
		var d types.Draft
		var status, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Title, &d.Content, &status, &createdAt, &updatedAt); err != nil {
			continue
		}
		d.Status = types.DraftStatus(status)
		d.CreatedAt = decodeTime(createdAt)
		d.UpdatedAt = decodeTime(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
