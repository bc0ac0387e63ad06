// Package plan sanitizes model-proposed tool plans before they are shown to
// the user or stored. Normalization is pure and deterministic: the same raw
// plan and user message always produce the same normalized plan, and a
// normalized plan is a fixed point.
package plan

import (
	"fmt"
	"net/url"
	"strings"

	"localflow/internal/logging"
	"localflow/internal/types"
)

// maxActions caps plan size. Anything past the cap is dropped.
const maxActions = 10

// profileHosts are hosts where a bare slug path usually names a person or
// org profile. Models like to invent these; an invented URL must never be
// opened on the user's behalf.
var profileHosts = map[string]bool{
	"linkedin.com":  true,
	"twitter.com":   true,
	"x.com":         true,
	"instagram.com": true,
	"facebook.com":  true,
	"github.com":    true,
}

// queryPrefixes are imperative wrappers stripped from the user message when
// deriving a search query. Order matters: first match wins.
var queryPrefixes = []string{
	"open ",
	"find ",
	"search ",
	"look up ",
	"please open ",
	"please find ",
	"please search ",
}

// Normalize validates and rewrites a raw tool plan against the user message
// it was generated for. It never performs I/O.
func Normalize(raw types.ToolPlan, userMessage string) types.ToolPlan {
	actions := raw.Actions
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}

	out := make([]types.ToolAction, 0, len(actions))
	for _, action := range actions {
		switch action.Tool {
		case "open_links":
			out = append(out, normalizeOpenLinks(action, userMessage))
		case "browser_automation":
			out = append(out, normalizeAutomation(action))
		default:
			out = append(out, cloneAction(action))
		}
	}

	// Actions need stable ids so approvals and confirmations can name them.
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("s%d", i+1)
		}
	}

	return types.ToolPlan{Actions: out}
}

// normalizeOpenLinks drops URLs the model likely invented. When nothing
// survives, the whole action is replaced with a browser_search fallback so
// the user still gets a safe way to reach their goal.
func normalizeOpenLinks(action types.ToolAction, userMessage string) types.ToolAction {
	kept := make([]interface{}, 0)
	for _, raw := range urlList(action.Params) {
		if isTrustedURL(raw, userMessage) {
			kept = append(kept, raw)
		} else {
			logging.ChatDebug("Normalizer rejected URL: %s", raw)
		}
	}

	if len(kept) == 0 {
		return searchFallback(action.ID, userMessage)
	}

	result := cloneAction(action)
	result.Params["urls"] = kept
	return result
}

// searchFallback builds the replacement browser_search action for an
// open_links action whose every URL was rejected.
func searchFallback(id, userMessage string) types.ToolAction {
	query := NormalizeQuery(userMessage)
	return types.ToolAction{
		ID:   id,
		Tool: "browser_search",
		Params: map[string]interface{}{
			"query":     query,
			"query_url": "https://duckduckgo.com/html/?q=" + url.QueryEscape(query),
		},
	}
}

// normalizeAutomation assigns deterministic positional ids to sub-steps that
// arrived without one. Existing ids are preserved.
func normalizeAutomation(action types.ToolAction) types.ToolAction {
	result := cloneAction(action)

	rawSteps, ok := result.Params["actions"].([]interface{})
	if !ok {
		return result
	}

	steps := make([]interface{}, len(rawSteps))
	for i, rawStep := range rawSteps {
		step, ok := rawStep.(map[string]interface{})
		if !ok {
			steps[i] = rawStep
			continue
		}
		copied := make(map[string]interface{}, len(step))
		for k, v := range step {
			copied[k] = v
		}
		if id, _ := copied["id"].(string); id == "" {
			copied["id"] = fmt.Sprintf("s%d", i+1)
		}
		steps[i] = copied
	}
	result.Params["actions"] = steps
	return result
}

// isTrustedURL reports whether a URL may be opened on the user's behalf.
// It must parse, use http(s), and not look like a guessed social profile
// unless the user typed that exact URL themselves.
func isTrustedURL(raw, userMessage string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Hostname() == "" {
		return false
	}
	if isProfileSlug(u) && !strings.Contains(userMessage, raw) {
		return false
	}
	return true
}

// isProfileSlug detects profile-shaped paths on known social hosts.
func isProfileSlug(u *url.URL) bool {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if !profileHosts[host] {
		return false
	}

	segments := pathSegments(u.Path)
	if len(segments) == 0 {
		return false
	}

	if host == "linkedin.com" {
		switch segments[0] {
		case "in", "company", "pub":
			return len(segments) >= 2
		}
		return false
	}

	// On the remaining hosts a single bare slug is a profile page.
	return len(segments) == 1
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// NormalizeQuery turns a user message into a clean search query by stripping
// imperative wrappers and profile phrasing.
func NormalizeQuery(message string) string {
	q := strings.TrimSpace(message)
	lowered := strings.ToLower(q)
	for _, p := range queryPrefixes {
		if strings.HasPrefix(lowered, p) {
			q = strings.TrimSpace(q[len(p):])
			break
		}
	}
	q = strings.ReplaceAll(q, "'s linkedin", " linkedin")
	q = strings.ReplaceAll(q, " profile", " ")
	return strings.Join(strings.Fields(q), " ")
}

func urlList(params map[string]interface{}) []string {
	var out []string
	switch urls := params["urls"].(type) {
	case []interface{}:
		for _, u := range urls {
			if s, ok := u.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, urls...)
	}
	return out
}

func cloneAction(action types.ToolAction) types.ToolAction {
	params := make(map[string]interface{}, len(action.Params))
	for k, v := range action.Params {
		params[k] = v
	}
	return types.ToolAction{ID: action.ID, Tool: action.Tool, Params: params}
}
