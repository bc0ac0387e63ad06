package tools

import "localflow/internal/browser"

// RegisterAll registers every executor with the given registry.
func RegisterAll(registry *Registry, mgr *browser.Manager) error {
	allTools := []*Tool{
		OpenLinksTool(mgr),
		SearchWebTool(),
		BrowserSearchTool(mgr),
		BrowserAutomationTool(mgr),
	}

	for _, tool := range allTools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	return nil
}
