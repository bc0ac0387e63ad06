package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"localflow/internal/browser"
	"localflow/internal/logging"
	"localflow/internal/types"
)

const maxOpenLinks = 20

// OpenLinksTool opens a batch of URLs in browser tabs. Low risk: the
// exact URLs were already approved, nothing on the pages is driven.
func OpenLinksTool(mgr *browser.Manager) *Tool {
	return &Tool{
		Name:        "open_links",
		Description: "Open one or more URLs in browser tabs",
		Risk:        types.RiskLow,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeOpenLinks(ctx, mgr, args)
		},
		Schema: ToolSchema{
			Required: []string{"urls"},
			Properties: map[string]Property{
				"urls": {
					Type:        "array",
					Description: "HTTP or HTTPS URLs to open (max 20)",
					Items:       &PropertyItems{Type: "string"},
				},
			},
		},
	}
}

func executeOpenLinks(ctx context.Context, mgr *browser.Manager, args map[string]any) (string, error) {
	urls := stringSliceArg(args, "urls")
	if len(urls) == 0 {
		return "", fmt.Errorf("urls is required and must be non-empty")
	}
	if len(urls) > maxOpenLinks {
		return "", fmt.Errorf("too many urls: %d (max %d)", len(urls), maxOpenLinks)
	}

	for _, raw := range urls {
		if err := validateHTTPURL(raw); err != nil {
			return "", fmt.Errorf("invalid url %q: %w", raw, err)
		}
	}

	opened := make([]string, 0, len(urls))
	for _, raw := range urls {
		if _, err := mgr.OpenTab(ctx, raw); err != nil {
			return "", fmt.Errorf("open %q: %w", raw, err)
		}
		opened = append(opened, raw)
	}

	logging.Tools("open_links opened %d tabs", len(opened))
	out, err := json.Marshal(map[string]any{"opened": opened})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
