package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"localflow/internal/browser"
	"localflow/internal/logging"
	"localflow/internal/plan"
	"localflow/internal/types"
)

// BrowserSearchTool runs a search through a real browser page. Used as
// the fallback when a plan's guessed URLs were all rejected: the engine
// finds the page instead of the model inventing it.
func BrowserSearchTool(mgr *browser.Manager) *Tool {
	return &Tool{
		Name:        "browser_search",
		Description: "Search with a browser-driven engine query and collect result links",
		Risk:        types.RiskMedium,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeBrowserSearch(ctx, mgr, args)
		},
		Schema: ToolSchema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {
					Type:        "string",
					Description: "The search query",
				},
				"max_results": {
					Type:        "integer",
					Description: "Maximum number of result links (default: 5, max: 10)",
					Default:     5,
				},
			},
		},
	}
}

func executeBrowserSearch(ctx context.Context, mgr *browser.Manager, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	maxResults := intArg(args, "max_results", 5)
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	normalized := plan.NormalizeQuery(query)
	queryURL := fmt.Sprintf(
		"https://www.google.com/search?q=%s&num=%d&hl=en&pws=0&safe=active",
		url.QueryEscape(normalized), maxResults,
	)

	page, err := mgr.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open search page: %w", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate(queryURL); err != nil {
		return "", fmt.Errorf("navigate to search: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return "", fmt.Errorf("load search results: %w", err)
	}

	anchors, err := page.Context(ctx).Elements("a")
	if err != nil {
		return "", fmt.Errorf("collect result links: %w", err)
	}

	var results []SearchResult
	seen := make(map[string]bool)
	for _, anchor := range anchors {
		href, err := anchor.Attribute("href")
		if err != nil || href == nil {
			continue
		}
		target := extractTargetURL(*href)
		if target == "" || seen[target] {
			continue
		}
		host := hostOf(target)
		// Skip the engine's own links and cached copies.
		if strings.HasSuffix(host, "google.com") || strings.HasSuffix(host, "googleusercontent.com") {
			continue
		}
		text, _ := anchor.Text()
		title := strings.TrimSpace(text)
		if title == "" {
			title = host
		}
		if title == "" {
			title = target
		}
		seen[target] = true
		results = append(results, SearchResult{Title: title, URL: target})
		if len(results) >= maxResults {
			break
		}
	}

	logging.Tools("browser_search %q -> %d results", normalized, len(results))
	out, err := json.Marshal(map[string]any{
		"query":            query,
		"normalized_query": normalized,
		"engine":           "google",
		"results":          results,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractTargetURL resolves an anchor href to an absolute result URL,
// unwrapping the engine's /url?q= redirect form.
func extractTargetURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "/url?") {
		parsed, err := url.Parse(href)
		if err != nil {
			return ""
		}
		q := parsed.Query().Get("q")
		if strings.HasPrefix(q, "http") {
			return q
		}
		return ""
	}
	base, _ := url.Parse("https://www.google.com")
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	absolute := base.ResolveReference(ref).String()
	if strings.HasPrefix(absolute, "http") {
		return absolute
	}
	return ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
