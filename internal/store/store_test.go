package store

import (
	"path/filepath"
	"testing"

	"localflow/internal/hashing"
	"localflow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "localflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationAndMessages(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("")
	require.NoError(t, err)
	assert.Equal(t, "New chat", conv.Title)

	_, err = s.AddMessage(conv.ID, "user", "hello")
	require.NoError(t, err)
	_, err = s.AddMessage(conv.ID, "assistant", "hi there")
	require.NoError(t, err)

	msgs, err := s.ListMessages(conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)

	capped, err := s.ListMessages(conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, "assistant", capped[0].Role)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDraftLifecycle(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("test")
	require.NoError(t, err)

	draft, err := s.CreateDraft(conv.ID, "Outreach email", "Hi Jordan,")
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusDrafting, draft.Status)

	require.NoError(t, s.MarkDraftApproved(draft.ID))
	got, err := s.GetDraft(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusApproved, got.Status)

	// Any edit drops the draft back to DRAFTING.
	updated, err := s.UpdateDraft(draft.ID, "Outreach email", "Hi Jordan, quick note")
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusDrafting, updated.Status)
	assert.Equal(t, "Hi Jordan, quick note", updated.Content)
	assert.True(t, updated.UpdatedAt.After(draft.CreatedAt) || updated.UpdatedAt.Equal(draft.CreatedAt))

	_, err = s.UpdateDraft("missing", "x", "y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolPlanUpsertAndHash(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("test")
	require.NoError(t, err)
	draft, err := s.CreateDraft(conv.ID, "t", "c")
	require.NoError(t, err)

	plan := types.ToolPlan{Actions: []types.ToolAction{
		{ID: "s1", Tool: "search_web", Params: map[string]interface{}{"query": "golang sqlite", "max_results": float64(5)}},
	}}
	hash1, err := s.UpsertToolPlan(draft.ID, plan)
	require.NoError(t, err)

	got, gotHash, err := s.GetToolPlan(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, hash1, gotHash)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "search_web", got.Actions[0].Tool)

	// Upsert of the same semantic plan keeps the hash stable.
	hash2, err := s.UpsertToolPlan(draft.ID, plan)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	// A changed plan changes the hash.
	plan.Actions[0].Params["query"] = "golang sqlite wal"
	hash3, err := s.UpsertToolPlan(draft.ID, plan)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestGetToolPlan_MissingRowIsEmptyPlan(t *testing.T) {
	s := newTestStore(t)

	plan, hash, err := s.GetToolPlan("no-such-draft")
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())

	want, err := hashing.DigestOf(types.ToolPlan{Actions: []types.ToolAction{}})
	require.NoError(t, err)
	assert.Equal(t, want, hash)
}

func TestCreateApproval_MarksDraftApproved(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("test")
	require.NoError(t, err)
	draft, err := s.CreateDraft(conv.ID, "t", "c")
	require.NoError(t, err)

	actions := []types.ToolAction{{ID: "s1", Tool: "open_links", Params: map[string]interface{}{"urls": []interface{}{"https://example.com"}}}}
	approval, err := s.CreateApproval(draft.ID, "dh", "ph", actions)
	require.NoError(t, err)

	got, err := s.GetApproval(approval.ID)
	require.NoError(t, err)
	assert.Equal(t, "dh", got.DraftHash)
	assert.Equal(t, "ph", got.ToolPlanHash)
	require.Len(t, got.ApprovedActions, 1)
	assert.Equal(t, "open_links", got.ApprovedActions[0].Tool)

	d, err := s.GetDraft(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusApproved, d.Status)

	latest, err := s.LatestApproval(draft.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.ID, latest.ID)
}

func TestExecutionsAppendOnly(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("test")
	require.NoError(t, err)
	draft, err := s.CreateDraft(conv.ID, "t", "c")
	require.NoError(t, err)
	approval, err := s.CreateApproval(draft.ID, "dh", "ph", nil)
	require.NoError(t, err)

	_, err = s.AppendExecution(&types.Execution{
		ApprovalID: approval.ID,
		ToolName:   "search_web",
		ToolInput:  map[string]interface{}{"query": "x"},
		Outcome:    types.OutcomeRejected,
		Reason:     "stale-draft-hash",
		StartedAt:  utcNow(),
	})
	require.NoError(t, err)

	_, err = s.AppendExecution(&types.Execution{
		ApprovalID:   approval.ID,
		ToolName:     "search_web",
		ToolInput:    map[string]interface{}{"query": "x"},
		Confirmation: &types.Confirmation{ApprovedActions: []string{"s1"}},
		Result:       "3 results",
		Outcome:      types.OutcomeOK,
		StartedAt:    utcNow(),
	})
	require.NoError(t, err)

	execs, err := s.ListExecutions(approval.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, types.OutcomeRejected, execs[0].Outcome)
	assert.Equal(t, "stale-draft-hash", execs[0].Reason)
	assert.Nil(t, execs[0].Confirmation)
	assert.Equal(t, types.OutcomeOK, execs[1].Outcome)
	require.NotNil(t, execs[1].Confirmation)
	assert.Equal(t, []string{"s1"}, execs[1].Confirmation.ApprovedActions)
}
