// Package provider generates draft responses from an LLM backend. Both
// backends speak the same contract: a single JSON object with
// assistant_message, draft and tool_plan keys. Model output is never
// trusted as-is; it goes through extraction, repair attempts and a
// fallback synthesis before anything reaches the caller.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"localflow/internal/logging"
	"localflow/internal/types"
)

const (
	maxHistoryMessages = 24
	maxHistoryChars    = 1600
	maxPlanActions     = 10
)

var (
	jsonObjRe      = regexp.MustCompile(`(?s)\{.*\}`)
	leadingTitleRe = regexp.MustCompile(`(?i)^\s*(subject|title)\s*[:\-]\s*(.+?)\s*$`)
)

// DraftOut is the draft portion of a model response.
type DraftOut struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DraftResponse is the structured result of one generation call. Draft
// content is always non-empty; the pipeline synthesizes one if the
// model refuses.
type DraftResponse struct {
	AssistantMessage string          `json:"assistant_message"`
	Draft            DraftOut        `json:"draft"`
	ToolPlan         *types.ToolPlan `json:"tool_plan,omitempty"`
}

// Provider generates a draft response for a user message.
type Provider interface {
	Generate(ctx context.Context, userMessage string, history []types.Message, contextBlock string) (*DraftResponse, error)
	Name() string
}

// ProviderError wraps a backend failure. Retryable signals transient
// transport errors as opposed to configuration problems.
type ProviderError struct {
	Provider  string
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

var generalAssistantRules = strings.Join([]string{
	"You are a contextual conversational AI assistant.",
	"Use conversation history to answer naturally across mixed tasks in one thread.",
	"When asked to draft/write content, produce strong draft.content.",
	"When asked a general question, answer directly in assistant_message and include a short supporting draft.",
	"Do not ask unnecessary clarifying questions.",
}, "\n")

var outputContract = strings.Join([]string{
	"Return ONLY valid JSON with keys: assistant_message, draft, tool_plan.",
	"assistant_message must be non-empty and directly answer the latest user message.",
	"draft must be an object with non-empty content; title may be empty when not needed.",
	"tool_plan is optional; use null when no concrete tool actions are needed.",
}, "\n")

// rawGenerator is one backend call: prompt in, raw model text out.
type rawGenerator func(ctx context.Context, prompt string) (string, error)

// generateDraft runs the shared prompt/parse/repair loop for a backend.
func generateDraft(ctx context.Context, gen rawGenerator, prompts PromptPack, maxRepairs int, userMessage string, history []types.Message, contextBlock string) (*DraftResponse, error) {
	historyBlock := formatHistory(history)

	sections := []string{
		prompts.System,
		generalAssistantRules,
		"Conversation history:",
		historyBlock,
	}
	if strings.TrimSpace(contextBlock) != "" {
		sections = append(sections, "Relevant local documents:", contextBlock)
	}
	sections = append(sections, "User message:", userMessage, "", outputContract)
	prompt := strings.Join(sections, "\n\n")

	var parsed *DraftResponse
	for attempt := 1; attempt <= maxRepairs+1; attempt++ {
		raw, err := gen(ctx, prompt)
		if err != nil {
			return nil, err
		}

		parsed = parseDraftResponse(raw)
		if parsed != nil && strings.TrimSpace(parsed.Draft.Content) == "" {
			parsed.Draft.Content = recoverContentFromAssistantMessage(parsed.AssistantMessage)
		}
		if parsed != nil && strings.TrimSpace(parsed.Draft.Content) != "" {
			parsed.Draft = normalizeTitleContent(parsed.Draft)
			if strings.TrimSpace(parsed.AssistantMessage) == "" {
				parsed.AssistantMessage = strings.TrimSpace(clip(parsed.Draft.Content, 300))
			}
			return parsed, nil
		}

		logging.Provider("LLM output invalid (attempt %d): draft missing or empty", attempt)
		logging.ProviderDebug("raw output (attempt %d): %s", attempt, clip(raw, 900))

		prompt = strings.Join([]string{
			prompts.System,
			prompts.Repair,
			generalAssistantRules,
			"Conversation history:",
			historyBlock,
			"The previous output was invalid because draft was null or empty.",
			"You MUST output JSON with a non-null draft object containing non-empty content.",
			"You MUST keep assistant_message non-empty and relevant to the latest user message.",
			"Previous output:",
			raw,
			"Original user message:",
			userMessage,
		}, "\n\n")
	}

	assistantMsg := ""
	if parsed != nil {
		assistantMsg = parsed.AssistantMessage
	}
	if strings.TrimSpace(assistantMsg) == "" {
		assistantMsg = "I can help with that."
	}

	return &DraftResponse{
		AssistantMessage: strings.TrimSpace(assistantMsg),
		Draft:            synthesizeFallbackDraft(parsed),
	}, nil
}

// parseDraftResponse extracts a DraftResponse from raw model text.
// Returns nil when no JSON object can be decoded.
func parseDraftResponse(raw string) *DraftResponse {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	if !(strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) {
		if extracted := jsonObjRe.FindString(text); extracted != "" {
			text = extracted
		}
	}

	var obj struct {
		AssistantMessage string          `json:"assistant_message"`
		Draft            *DraftOut       `json:"draft"`
		ToolPlan         *types.ToolPlan `json:"tool_plan"`
	}
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil
	}

	resp := &DraftResponse{AssistantMessage: obj.AssistantMessage}
	if obj.Draft != nil {
		resp.Draft = *obj.Draft
	}
	if obj.ToolPlan != nil && len(obj.ToolPlan.Actions) > 0 {
		plan := *obj.ToolPlan
		if len(plan.Actions) > maxPlanActions {
			plan.Actions = plan.Actions[:maxPlanActions]
		}
		resp.ToolPlan = &plan
	}
	return resp
}

// normalizeTitleContent promotes a leading "Title: ..." line from the
// content into the title field, removing the duplicate line.
func normalizeTitleContent(draft DraftOut) DraftOut {
	title := strings.TrimSpace(draft.Title)
	lines := strings.Split(draft.Content, "\n")
	if len(lines) == 0 {
		return draft
	}

	firstIdx := 0
	for firstIdx < len(lines) && strings.TrimSpace(lines[firstIdx]) == "" {
		firstIdx++
	}
	if firstIdx >= len(lines) {
		return draft
	}

	m := leadingTitleRe.FindStringSubmatch(lines[firstIdx])
	if m == nil {
		return draft
	}
	extracted := strings.TrimSpace(m[2])
	if extracted == "" {
		return draft
	}

	if title == "" {
		title = extracted
	}
	if strings.EqualFold(title, extracted) {
		remainder := append(append([]string{}, lines[:firstIdx]...), lines[firstIdx+1:]...)
		for len(remainder) > 0 && strings.TrimSpace(remainder[0]) == "" {
			remainder = remainder[1:]
		}
		draft.Content = strings.TrimSpace(strings.Join(remainder, "\n"))
	}
	draft.Title = title
	return draft
}

// recoverContentFromAssistantMessage pulls draft text out of an
// assistant message when the model put it in the wrong field.
func recoverContentFromAssistantMessage(assistantMessage string) string {
	text := strings.TrimSpace(assistantMessage)
	if text == "" {
		return ""
	}

	lower := strings.ToLower(text)
	markers := []string{
		"here it is:",
		"draft:",
		"linkedin post draft:",
	}
	for _, marker := range markers {
		if idx := strings.Index(lower, marker); idx != -1 {
			return strings.TrimSpace(text[idx+len(marker):])
		}
	}
	return text
}

func synthesizeFallbackDraft(parsed *DraftResponse) DraftOut {
	body := "Summary:\n- [Main point]\n- [Next step]\n"
	if parsed != nil && strings.TrimSpace(parsed.AssistantMessage) != "" {
		body = fmt.Sprintf("Assistant response:\n%s\n\n---\n\n%s", strings.TrimSpace(parsed.AssistantMessage), body)
	}
	return DraftOut{Title: "Conversation notes", Content: body}
}

// formatHistory renders the conversation tail as role-prefixed lines.
func formatHistory(history []types.Message) string {
	if len(history) == 0 {
		return "(no prior messages)"
	}

	tail := history
	if len(tail) > maxHistoryMessages {
		tail = tail[len(tail)-maxHistoryMessages:]
	}

	var lines []string
	for _, msg := range tail {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role != "user" && role != "assistant" {
			role = "user"
		}
		content := clip(strings.TrimSpace(msg.Content), maxHistoryChars)
		if content != "" {
			lines = append(lines, role+": "+content)
		}
	}
	if len(lines) == 0 {
		return "(no prior messages)"
	}
	return strings.Join(lines, "\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// retryable reports whether an error looks transient.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}
