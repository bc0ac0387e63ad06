package gate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"localflow/internal/approval"
	"localflow/internal/store"
	"localflow/internal/tools"
	"localflow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *Engine
	store   *store.LocalStore
	service *approval.Service
	draft   *types.Draft
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewLocalStore(filepath.Join(t.TempDir(), "localflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{
		Name: "open_links", Risk: types.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "opened", nil
		},
	})
	registry.MustRegister(&tools.Tool{
		Name: "search_web", Risk: types.RiskMedium,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "3 results", nil
		},
	})
	registry.MustRegister(&tools.Tool{
		Name: "browser_automation", Risk: types.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "done", nil
		},
	})
	registry.MustRegister(&tools.Tool{
		Name: "failing_tool", Risk: types.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	})
	registry.MustRegister(&tools.Tool{
		Name: "panicking_tool", Risk: types.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			panic("unexpected")
		},
	})

	conv, err := s.CreateConversation("test")
	require.NoError(t, err)
	draft, err := s.CreateDraft(conv.ID, "Outreach email", "Hi Jordan,")
	require.NoError(t, err)

	return &fixture{
		engine:  NewEngine(s, registry),
		store:   s,
		service: approval.NewService(s),
		draft:   draft,
	}
}

func (f *fixture) approveWithPlan(t *testing.T, actions ...types.ToolAction) *types.Approval {
	t.Helper()
	_, err := f.service.UpsertToolPlan(f.draft.ID, types.ToolPlan{Actions: actions})
	require.NoError(t, err)
	apr, err := f.service.Approve(f.draft.ID)
	require.NoError(t, err)
	return apr
}

func openLinksAction(urls ...interface{}) types.ToolAction {
	return types.ToolAction{ID: "s1", Tool: "open_links", Params: map[string]interface{}{"urls": urls}}
}

func automationAction(stepIDs ...string) types.ToolAction {
	steps := make([]interface{}, len(stepIDs))
	for i, id := range stepIDs {
		steps[i] = map[string]interface{}{"id": id, "type": "goto", "url": "https://example.com"}
	}
	return types.ToolAction{ID: "s1", Tool: "browser_automation", Params: map[string]interface{}{"actions": steps}}
}

func requireRejection(t *testing.T, err error, kind RejectionKind) *Rejection {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected Rejection, got %v", err)
	assert.Equal(t, kind, rej.Kind)
	return rej
}

func TestExecute_LowRiskNeedsNoConfirmation(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))

	exec, err := f.engine.Execute(context.Background(), apr.ID,
		"open_links", map[string]interface{}{"urls": []interface{}{"https://example.com"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, exec.Outcome)
	assert.Equal(t, "opened", exec.Result)

	audit, err := f.store.ListExecutions(apr.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.OutcomeOK, audit[0].Outcome)
}

func TestExecute_ApprovalNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Execute(context.Background(), "missing",
		"open_links", map[string]interface{}{}, nil)
	requireRejection(t, err, RejectApprovalNotFound)

	// A call naming a nonexistent approval still lands in the audit trail.
	audit, err := f.store.ListExecutions("missing")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.OutcomeRejected, audit[0].Outcome)
	assert.Contains(t, audit[0].Reason, "approval-not-found")
}

func TestExecute_StaleDraftHashAfterEdit(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))
	input := map[string]interface{}{"urls": []interface{}{"https://example.com"}}

	_, err := f.store.UpdateDraft(f.draft.ID, f.draft.Title, "Hi Jordan, edited")
	require.NoError(t, err)

	_, err = f.engine.Execute(context.Background(), apr.ID, "open_links", input, nil)
	requireRejection(t, err, RejectStaleDraftHash)

	// Reverting to byte-identical content restores validity.
	_, err = f.store.UpdateDraft(f.draft.ID, f.draft.Title, "Hi Jordan,")
	require.NoError(t, err)
	exec, err := f.engine.Execute(context.Background(), apr.ID, "open_links", input, nil)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, exec.Outcome)
}

func TestExecute_StalePlanHashAfterPlanDrift(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))

	// Plan drifts underneath the approval while the content stays put.
	_, err := f.store.UpsertToolPlan(f.draft.ID, types.ToolPlan{Actions: []types.ToolAction{
		openLinksAction("https://evil.com"),
	}})
	require.NoError(t, err)

	_, err = f.engine.Execute(context.Background(), apr.ID,
		"open_links", map[string]interface{}{"urls": []interface{}{"https://example.com"}}, nil)
	requireRejection(t, err, RejectStalePlanHash)
}

func TestExecute_ActionNotApproved(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))

	// One field differs: different URL.
	_, err := f.engine.Execute(context.Background(), apr.ID,
		"open_links", map[string]interface{}{"urls": []interface{}{"https://evil.com"}}, nil)
	requireRejection(t, err, RejectActionNotApproved)

	// Different tool entirely.
	_, err = f.engine.Execute(context.Background(), apr.ID,
		"search_web", map[string]interface{}{"query": "x"}, &types.Confirmation{ApprovedActions: []string{"s1"}})
	requireRejection(t, err, RejectActionNotApproved)
}

func TestExecute_KeyOrderDoesNotMatter(t *testing.T) {
	f := newFixture(t)
	action := types.ToolAction{ID: "s1", Tool: "search_web", Params: map[string]interface{}{
		"query": "golang sqlite", "max_results": float64(5),
	}}
	apr := f.approveWithPlan(t, action)

	// Same fields, constructed in a different order.
	input := map[string]interface{}{"max_results": float64(5), "query": "golang sqlite"}
	exec, err := f.engine.Execute(context.Background(), apr.ID, "search_web", input,
		&types.Confirmation{ApprovedActions: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, exec.Outcome)
}

func TestExecute_MediumRiskRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	action := types.ToolAction{ID: "s1", Tool: "search_web", Params: map[string]interface{}{"query": "x"}}
	apr := f.approveWithPlan(t, action)
	input := map[string]interface{}{"query": "x"}

	_, err := f.engine.Execute(context.Background(), apr.ID, "search_web", input, nil)
	requireRejection(t, err, RejectConfirmationRequired)

	exec, err := f.engine.Execute(context.Background(), apr.ID, "search_web", input,
		&types.Confirmation{ApprovedActions: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, exec.Outcome)
}

func TestExecute_HighRiskConfirmationSemantics(t *testing.T) {
	f := newFixture(t)
	action := automationAction("s1", "s2")
	apr := f.approveWithPlan(t, action)
	input := map[string]interface{}{"actions": []interface{}{
		map[string]interface{}{"id": "s1", "type": "goto", "url": "https://example.com"},
		map[string]interface{}{"id": "s2", "type": "goto", "url": "https://example.com"},
	}}

	// Partial confirmation is rejected, never partially executed.
	_, err := f.engine.Execute(context.Background(), apr.ID, "browser_automation", input,
		&types.Confirmation{ApprovedActions: []string{"s1"}, AllowHighRisk: true})
	rej := requireRejection(t, err, RejectConfirmationIncomplete)
	assert.Equal(t, []string{"s2"}, rej.MissingIDs)

	// All steps confirmed but the high-risk flag is missing.
	_, err = f.engine.Execute(context.Background(), apr.ID, "browser_automation", input,
		&types.Confirmation{ApprovedActions: []string{"s1", "s2"}})
	requireRejection(t, err, RejectHighRiskNotConfirmed)

	// Order of confirmed ids is irrelevant.
	exec, err := f.engine.Execute(context.Background(), apr.ID, "browser_automation", input,
		&types.Confirmation{ApprovedActions: []string{"s2", "s1"}, AllowHighRisk: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, exec.Outcome)
}

func TestExecute_UndeclaredConfirmedStepRejected(t *testing.T) {
	f := newFixture(t)
	action := automationAction("s1", "s2")
	apr := f.approveWithPlan(t, action)
	input := map[string]interface{}{"actions": []interface{}{
		map[string]interface{}{"id": "s1", "type": "goto", "url": "https://example.com"},
		map[string]interface{}{"id": "s2", "type": "goto", "url": "https://example.com"},
	}}

	// Every declared step is confirmed, but the confirmation also names a
	// step the plan never declared. That is not set equality.
	_, err := f.engine.Execute(context.Background(), apr.ID, "browser_automation", input,
		&types.Confirmation{ApprovedActions: []string{"s1", "s2", "s9"}, AllowHighRisk: true})
	rej := requireRejection(t, err, RejectConfirmationIncomplete)
	assert.Contains(t, rej.Reason, "s9")
}

func TestExecute_RejectionsAreAudited(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))

	_, err := f.engine.Execute(context.Background(), apr.ID,
		"open_links", map[string]interface{}{"urls": []interface{}{"https://evil.com"}}, nil)
	require.Error(t, err)

	audit, err := f.store.ListExecutions(apr.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.OutcomeRejected, audit[0].Outcome)
	assert.Contains(t, audit[0].Reason, "action-not-approved")
}

func TestExecute_ExecutorErrorRecordedNotRetried(t *testing.T) {
	f := newFixture(t)
	action := types.ToolAction{ID: "s1", Tool: "failing_tool", Params: map[string]interface{}{}}
	apr := f.approveWithPlan(t, action)

	exec, err := f.engine.Execute(context.Background(), apr.ID, "failing_tool", map[string]interface{}{}, nil)
	require.Error(t, err)
	var execErr *ExecutorError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, types.OutcomeError, exec.Outcome)

	audit, err := f.store.ListExecutions(apr.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.OutcomeError, audit[0].Outcome)
}

func TestExecute_PanicBecomesExecutorError(t *testing.T) {
	f := newFixture(t)
	action := types.ToolAction{ID: "s1", Tool: "panicking_tool", Params: map[string]interface{}{}}
	apr := f.approveWithPlan(t, action)

	exec, err := f.engine.Execute(context.Background(), apr.ID, "panicking_tool", map[string]interface{}{}, nil)
	require.Error(t, err)
	var execErr *ExecutorError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Error(), "panic")
	assert.Equal(t, types.OutcomeError, exec.Outcome)
}

func TestExecute_RevalidatesEveryCall(t *testing.T) {
	f := newFixture(t)
	apr := f.approveWithPlan(t, openLinksAction("https://example.com"))
	input := map[string]interface{}{"urls": []interface{}{"https://example.com"}}

	for i := 0; i < 3; i++ {
		exec, err := f.engine.Execute(context.Background(), apr.ID, "open_links", input, nil)
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, types.OutcomeOK, exec.Outcome)
	}

	audit, err := f.store.ListExecutions(apr.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestRejectionError_IncludesMissingIDs(t *testing.T) {
	rej := &Rejection{Kind: RejectConfirmationIncomplete, Reason: "r", MissingIDs: []string{"s2", "s3"}}
	assert.Equal(t, fmt.Sprintf("%s: r (unconfirmed: s2, s3)", RejectConfirmationIncomplete), rej.Error())
}
