// Package approval hash-locks drafts. An approval snapshots the digests of
// the draft content and its tool plan; nothing else marks a draft as
// executable. Later edits are caught by hash mismatch alone.
package approval

import (
	"fmt"

	"localflow/internal/hashing"
	"localflow/internal/logging"
	"localflow/internal/store"
	"localflow/internal/types"
)

// ErrDraftLocked is returned when a mutation targets an approved draft.
// The draft must be edited (dropping it back to drafting) before its plan
// can change, and re-approved before it can execute again.
var ErrDraftLocked = fmt.Errorf("draft is locked")

// Service creates approvals and guards tool-plan updates.
type Service struct {
	store *store.LocalStore
}

// NewService returns a Service backed by the given store.
func NewService(s *store.LocalStore) *Service {
	return &Service{store: s}
}

// DraftDigest computes the canonical digest of a draft's user-visible
// content. Both approval creation and gate validation use this, so the two
// can never disagree about what "unchanged" means.
func DraftDigest(d *types.Draft) (string, error) {
	return hashing.DigestOf(map[string]interface{}{
		"title":   d.Title,
		"content": d.Content,
	})
}

// UpsertToolPlan replaces the draft's tool plan. Rejected while the draft
// is approved; the stored plan backs the approval snapshot and must not
// drift underneath it without an edit first.
func (s *Service) UpsertToolPlan(draftID string, plan types.ToolPlan) (string, error) {
	draft, err := s.store.GetDraft(draftID)
	if err != nil {
		return "", err
	}
	if draft.Status != types.DraftStatusDrafting {
		return "", fmt.Errorf("%w: cannot update tool plan of draft %s", ErrDraftLocked, draftID)
	}
	return s.store.UpsertToolPlan(draftID, plan)
}

// Approve snapshots the draft and its current tool plan into a new
// immutable approval and marks the draft approved.
func (s *Service) Approve(draftID string) (*types.Approval, error) {
	draft, err := s.store.GetDraft(draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != types.DraftStatusDrafting {
		return nil, fmt.Errorf("%w: draft %s is already approved", ErrDraftLocked, draftID)
	}

	draftHash, err := DraftDigest(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to hash draft: %w", err)
	}

	plan, planHash, err := s.store.GetToolPlan(draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool plan: %w", err)
	}

	approval, err := s.store.CreateApproval(draftID, draftHash, planHash, plan.Actions)
	if err != nil {
		return nil, err
	}

	logging.Gate("Draft %s approved (%d actions snapshotted)", draftID, len(approval.ApprovedActions))
	return approval, nil
}
