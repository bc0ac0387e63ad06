package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"localflow/internal/browser"
	"localflow/internal/logging"
	"localflow/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

const (
	maxAutomationSteps = 20
	defaultStepTimeout = 10000
	minStepTimeout     = 100
	maxStepTimeout     = 120000
)

// BrowserStep is one validated sub-step of a browser_automation run.
type BrowserStep struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`
	TimeoutMs int    `json:"timeout_ms"`
}

var stepTypes = map[string]bool{
	"goto": true, "click": true, "fill": true, "press": true, "wait_for": true,
}

// BrowserAutomationTool drives a page through a scripted sequence of
// steps. High risk: every sub-step id must be individually confirmed
// before the gate lets this run.
func BrowserAutomationTool(mgr *browser.Manager) *Tool {
	return &Tool{
		Name:        "browser_automation",
		Description: "Drive a browser page through goto/click/fill/press/wait_for steps",
		Risk:        types.RiskHigh,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeBrowserAutomation(ctx, mgr, args)
		},
		Schema: ToolSchema{
			Required: []string{"actions"},
			Properties: map[string]Property{
				"start_url": {
					Type:        "string",
					Description: "Optional URL to open before the first step",
				},
				"actions": {
					Type:        "array",
					Description: "Steps to run in order (max 20), each with id, type, and type-specific fields",
					Items:       &PropertyItems{Type: "object"},
				},
				"dry_run": {
					Type:        "boolean",
					Description: "Echo the validated steps without driving a browser (default: true)",
					Default:     true,
				},
			},
		},
	}
}

func executeBrowserAutomation(ctx context.Context, mgr *browser.Manager, args map[string]any) (string, error) {
	startURL := strings.TrimSpace(stringArg(args, "start_url"))
	if startURL != "" {
		if err := validateHTTPURL(startURL); err != nil {
			return "", fmt.Errorf("invalid start_url %q: %w", startURL, err)
		}
	}

	steps, err := parseSteps(mapSliceArg(args, "actions"))
	if err != nil {
		return "", err
	}

	if boolArg(args, "dry_run", true) {
		out, err := json.Marshal(map[string]any{
			"dry_run":   true,
			"start_url": startURL,
			"actions":   steps,
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	page, err := mgr.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open automation page: %w", err)
	}
	defer page.Close()

	type stepEvent struct {
		Event string `json:"event,omitempty"`
		ID    string `json:"id,omitempty"`
		Type  string `json:"type,omitempty"`
		URL   string `json:"url"`
	}
	var stepLog []stepEvent

	if startURL != "" {
		if err := navigateAndWait(ctx, page, startURL, defaultStepTimeout); err != nil {
			return "", fmt.Errorf("start_url: %w", err)
		}
		stepLog = append(stepLog, stepEvent{Event: "start_url", URL: pageURL(page)})
	}

	for _, step := range steps {
		if err := runStep(ctx, page, step); err != nil {
			return "", fmt.Errorf("step %s (%s): %w", step.ID, step.Type, err)
		}
		stepLog = append(stepLog, stepEvent{ID: step.ID, Type: step.Type, URL: pageURL(page)})
	}

	logging.Tools("browser_automation completed %d steps", len(steps))
	out, err := json.Marshal(map[string]any{
		"dry_run":   false,
		"final_url": pageURL(page),
		"steps":     stepLog,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseSteps validates the raw action list into typed steps.
func parseSteps(raw []map[string]any) ([]BrowserStep, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("actions is required and must be non-empty")
	}
	if len(raw) > maxAutomationSteps {
		return nil, fmt.Errorf("too many actions: %d (max %d)", len(raw), maxAutomationSteps)
	}

	steps := make([]BrowserStep, 0, len(raw))
	for i, m := range raw {
		step := BrowserStep{
			ID:        strings.TrimSpace(stringArg(m, "id")),
			Type:      stringArg(m, "type"),
			Selector:  stringArg(m, "selector"),
			Value:     stringArg(m, "value"),
			URL:       stringArg(m, "url"),
			TimeoutMs: intArg(m, "timeout_ms", defaultStepTimeout),
		}
		if step.ID == "" || len(step.ID) > 64 {
			return nil, fmt.Errorf("action %d: id must be 1-64 characters", i+1)
		}
		if !stepTypes[step.Type] {
			return nil, fmt.Errorf("action %s: unknown type %q", step.ID, step.Type)
		}
		if step.TimeoutMs < minStepTimeout || step.TimeoutMs > maxStepTimeout {
			return nil, fmt.Errorf("action %s: timeout_ms must be between %d and %d", step.ID, minStepTimeout, maxStepTimeout)
		}
		switch step.Type {
		case "goto":
			if err := validateHTTPURL(step.URL); err != nil {
				return nil, fmt.Errorf("action %s: goto requires a valid url: %w", step.ID, err)
			}
		case "click", "wait_for":
			if strings.TrimSpace(step.Selector) == "" {
				return nil, fmt.Errorf("action %s: %s requires selector", step.ID, step.Type)
			}
		case "fill":
			if strings.TrimSpace(step.Selector) == "" {
				return nil, fmt.Errorf("action %s: fill requires selector", step.ID)
			}
			if _, ok := m["value"]; !ok {
				return nil, fmt.Errorf("action %s: fill requires value", step.ID)
			}
		case "press":
			if _, ok := m["value"]; !ok {
				return nil, fmt.Errorf("action %s: press requires value", step.ID)
			}
			if _, err := keyFor(step.Value); err != nil {
				return nil, fmt.Errorf("action %s: %w", step.ID, err)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func runStep(ctx context.Context, page *rod.Page, step BrowserStep) error {
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond

	switch step.Type {
	case "goto":
		return navigateAndWait(ctx, page, step.URL, step.TimeoutMs)
	case "click":
		el, err := page.Context(ctx).Timeout(timeout).Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %w", err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case "fill":
		el, err := page.Context(ctx).Timeout(timeout).Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %w", err)
		}
		return el.Input(step.Value)
	case "press":
		key, err := keyFor(step.Value)
		if err != nil {
			return err
		}
		return page.Context(ctx).Keyboard.Press(key)
	case "wait_for":
		_, err := page.Context(ctx).Timeout(timeout).Element(step.Selector)
		if err != nil {
			return fmt.Errorf("selector never appeared: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown step type %q", step.Type)
}

func navigateAndWait(ctx context.Context, page *rod.Page, url string, timeoutMs int) error {
	p := page.Context(ctx).Timeout(time.Duration(timeoutMs) * time.Millisecond)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func pageURL(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// namedKeys maps press values to keyboard keys. Single printable
// characters are accepted directly.
var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"space":      input.Space,
}

func keyFor(value string) (input.Key, error) {
	if key, ok := namedKeys[strings.ToLower(strings.TrimSpace(value))]; ok {
		return key, nil
	}
	runes := []rune(value)
	if len(runes) == 1 {
		return input.Key(runes[0]), nil
	}
	return 0, fmt.Errorf("unsupported key %q", value)
}
