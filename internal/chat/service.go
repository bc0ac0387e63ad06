// Package chat orchestrates one conversation turn: persist the user
// message, generate a draft response, sanitize its tool plan, and
// persist the results. Nothing in this package executes tools; a turn
// ends with a draft waiting for review.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"localflow/internal/logging"
	"localflow/internal/plan"
	"localflow/internal/provider"
	"localflow/internal/retrieval"
	"localflow/internal/store"
	"localflow/internal/types"
)

const (
	defaultTurnTimeout  = 120 * time.Second
	historyLimit        = 50
	retrievalTopK       = 6
	contextSnippetLimit = 700
)

// reviewKeywords signal that the user is asking for written content, so
// the UI should surface the draft for review. Pure convenience: the
// approval flow is identical either way.
var reviewKeywords = []string{
	"draft", "write", "compose", "email", "post", "letter",
	"reply", "respond", "summar", "rewrite", "edit",
}

// Retriever supplies local document context for a turn.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]types.SearchHit, error)
}

// TurnResult is what one submitted turn produced.
type TurnResult struct {
	ConversationID   string           `json:"conversation_id"`
	AssistantMessage string           `json:"assistant_message"`
	Draft            *types.Draft     `json:"draft"`
	ToolPlan         *types.ToolPlan  `json:"tool_plan,omitempty"`
	ToolPlanHash     string           `json:"tool_plan_hash,omitempty"`
	NeedsReview      bool             `json:"needs_review"`
	Sources          []types.SearchHit `json:"sources,omitempty"`
}

// Service runs conversation turns.
type Service struct {
	store     *store.LocalStore
	provider  provider.Provider
	retriever Retriever
	timeout   time.Duration
}

// NewService creates a chat service. retriever may be nil to disable
// local document context.
func NewService(st *store.LocalStore, p provider.Provider, retriever Retriever) *Service {
	return &Service{
		store:     st,
		provider:  p,
		retriever: retriever,
		timeout:   defaultTurnTimeout,
	}
}

// SubmitTurn runs one turn. An empty conversationID starts a new
// conversation. If the provider fails, the user message stays persisted
// but no draft is created.
func (s *Service) SubmitTurn(ctx context.Context, conversationID, message string, useRetrieval bool) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message must not be empty")
	}

	conv, err := s.loadOrCreateConversation(conversationID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(conv.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if _, err := s.store.AddMessage(conv.ID, "user", message); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	var sources []types.SearchHit
	contextBlock := ""
	if useRetrieval && s.retriever != nil {
		sources, contextBlock = s.gatherContext(ctx, message)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.provider.Generate(genCtx, message, history, contextBlock)
	if err != nil {
		logging.Chat("Turn failed in provider %s: %v", s.provider.Name(), err)
		return nil, err
	}

	draft, err := s.store.CreateDraft(conv.ID, out.Draft.Title, out.Draft.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to persist draft: %w", err)
	}

	result := &TurnResult{
		ConversationID:   conv.ID,
		AssistantMessage: out.AssistantMessage,
		Draft:            draft,
		NeedsReview:      needsReview(message),
		Sources:          sources,
	}

	if out.ToolPlan != nil && len(out.ToolPlan.Actions) > 0 {
		normalized := plan.Normalize(*out.ToolPlan, message)
		hash, err := s.store.UpsertToolPlan(draft.ID, normalized)
		if err != nil {
			return nil, fmt.Errorf("failed to persist tool plan: %w", err)
		}
		result.ToolPlan = &normalized
		result.ToolPlanHash = hash
	}

	if _, err := s.store.AddMessage(conv.ID, "assistant", out.AssistantMessage); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	logging.Chat("Turn complete: conversation=%s draft=%s plan_actions=%d", conv.ID, draft.ID, planActionCount(result.ToolPlan))
	return result, nil
}

func (s *Service) loadOrCreateConversation(conversationID string) (*types.Conversation, error) {
	if conversationID == "" {
		return s.store.CreateConversation("")
	}
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

// gatherContext runs a retrieval search for the turn. Missing folder
// permission is not an error; the turn just proceeds without context.
func (s *Service) gatherContext(ctx context.Context, message string) ([]types.SearchHit, string) {
	hits, err := s.retriever.Search(ctx, message, retrievalTopK)
	if err != nil {
		if errors.Is(err, retrieval.ErrPermissionRequired) {
			logging.ChatDebug("retrieval skipped: no folder permission granted")
		} else {
			logging.Chat("retrieval failed, continuing without context: %v", err)
		}
		return nil, ""
	}
	if len(hits) == 0 {
		return nil, ""
	}

	var sb strings.Builder
	for _, hit := range hits {
		snippet := hit.Snippet
		if len(snippet) > contextSnippetLimit {
			snippet = snippet[:contextSnippetLimit] + "..."
		}
		fmt.Fprintf(&sb, "%s:\n%s\n\n", hit.SourcePath, snippet)
	}
	return hits, strings.TrimSpace(sb.String())
}

// needsReview reports whether the message looks like a content request.
func needsReview(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range reviewKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func planActionCount(p *types.ToolPlan) int {
	if p == nil {
		return 0
	}
	return len(p.Actions)
}
