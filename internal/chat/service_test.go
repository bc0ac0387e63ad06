package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"localflow/internal/provider"
	"localflow/internal/retrieval"
	"localflow/internal/store"
	"localflow/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	resp        *provider.DraftResponse
	err         error
	lastContext string
	lastHistory []types.Message
	calls       int
}

func (f *fakeProvider) Generate(ctx context.Context, userMessage string, history []types.Message, contextBlock string) (*provider.DraftResponse, error) {
	f.calls++
	f.lastContext = contextBlock
	f.lastHistory = history
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) Name() string { return "fake" }

type fakeRetriever struct {
	hits []types.SearchHit
	err  error
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]types.SearchHit, error) {
	return f.hits, f.err
}

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "localflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func draftResponse(title, content string, toolPlan *types.ToolPlan) *provider.DraftResponse {
	return &provider.DraftResponse{
		AssistantMessage: "Here is your draft.",
		Draft:            provider.DraftOut{Title: title, Content: content},
		ToolPlan:         toolPlan,
	}
}

func TestSubmitTurn_CreatesConversationAndDraft(t *testing.T) {
	st := newTestStore(t)
	p := &fakeProvider{resp: draftResponse("Post", "Body text", nil)}
	svc := NewService(st, p, nil)

	result, err := svc.SubmitTurn(context.Background(), "", "write a post about Go", false)
	require.NoError(t, err)
	require.NotEmpty(t, result.ConversationID)
	assert.Equal(t, "Here is your draft.", result.AssistantMessage)
	assert.True(t, result.NeedsReview)

	require.NotNil(t, result.Draft)
	assert.Equal(t, types.DraftStatusDrafting, result.Draft.Status)
	assert.Equal(t, "Post", result.Draft.Title)

	msgs, err := st.ListMessages(result.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestSubmitTurn_NormalizesToolPlan(t *testing.T) {
	st := newTestStore(t)
	// A guessed profile URL the user never mentioned.
	rawPlan := &types.ToolPlan{Actions: []types.ToolAction{
		{Tool: "open_links", Params: map[string]any{"urls": []any{"https://www.linkedin.com/in/jordan-lee"}}},
	}}
	p := &fakeProvider{resp: draftResponse("", "x", rawPlan)}
	svc := NewService(st, p, nil)

	result, err := svc.SubmitTurn(context.Background(), "", "find Jordan Lee's linkedin", false)
	require.NoError(t, err)
	require.NotNil(t, result.ToolPlan)
	require.Len(t, result.ToolPlan.Actions, 1)
	assert.Equal(t, "browser_search", result.ToolPlan.Actions[0].Tool)
	assert.NotEmpty(t, result.ToolPlanHash)

	// Persisted plan matches the returned hash.
	stored, hash, err := st.GetToolPlan(result.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ToolPlanHash, hash)
	assert.Equal(t, result.ToolPlan.Actions, stored.Actions)
}

func TestSubmitTurn_ProviderFailureLeavesNoDraft(t *testing.T) {
	st := newTestStore(t)
	p := &fakeProvider{err: fmt.Errorf("model unavailable")}
	svc := NewService(st, p, nil)

	conv, err := st.CreateConversation("")
	require.NoError(t, err)

	_, err = svc.SubmitTurn(context.Background(), conv.ID, "hello", false)
	require.Error(t, err)

	drafts, err := st.ListDrafts(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, drafts)

	// The user message is persisted even when generation fails.
	msgs, err := st.ListMessages(conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestSubmitTurn_UnknownConversation(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, &fakeProvider{resp: draftResponse("", "x", nil)}, nil)

	_, err := svc.SubmitTurn(context.Background(), "nope", "hello", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitTurn_HistoryPassedToProvider(t *testing.T) {
	st := newTestStore(t)
	p := &fakeProvider{resp: draftResponse("", "x", nil)}
	svc := NewService(st, p, nil)

	first, err := svc.SubmitTurn(context.Background(), "", "first message", false)
	require.NoError(t, err)
	assert.Empty(t, p.lastHistory)

	_, err = svc.SubmitTurn(context.Background(), first.ConversationID, "second message", false)
	require.NoError(t, err)
	require.Len(t, p.lastHistory, 2)
	assert.Equal(t, "first message", p.lastHistory[0].Content)
}

func TestSubmitTurn_RetrievalContext(t *testing.T) {
	st := newTestStore(t)
	p := &fakeProvider{resp: draftResponse("", "x", nil)}
	r := &fakeRetriever{hits: []types.SearchHit{
		{SourcePath: "/docs/notes.md", Snippet: "quarterly targets are aggressive", Score: 0.9},
	}}
	svc := NewService(st, p, r)

	result, err := svc.SubmitTurn(context.Background(), "", "summarize my notes", true)
	require.NoError(t, err)
	assert.Contains(t, p.lastContext, "/docs/notes.md")
	assert.Contains(t, p.lastContext, "quarterly targets")
	require.Len(t, result.Sources, 1)
}

func TestSubmitTurn_RetrievalPermissionMissingIsNotFatal(t *testing.T) {
	st := newTestStore(t)
	p := &fakeProvider{resp: draftResponse("", "x", nil)}
	r := &fakeRetriever{err: retrieval.ErrPermissionRequired}
	svc := NewService(st, p, r)

	result, err := svc.SubmitTurn(context.Background(), "", "summarize my notes", true)
	require.NoError(t, err)
	assert.Empty(t, p.lastContext)
	assert.Empty(t, result.Sources)
}

func TestSubmitTurn_EmptyMessageRejected(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, &fakeProvider{}, nil)

	_, err := svc.SubmitTurn(context.Background(), "", "   ", false)
	assert.Error(t, err)
}

func TestNeedsReview(t *testing.T) {
	assert.True(t, needsReview("Write me an email to the team"))
	assert.True(t, needsReview("please summarize this document"))
	assert.False(t, needsReview("what time is it in Tokyo"))
}
