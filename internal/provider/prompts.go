package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PromptPack holds the system and repair prompts. Packs are plain text
// files so prompts can change without a rebuild.
type PromptPack struct {
	System string
	Repair string
}

// DefaultPromptPack returns the built-in prompts.
func DefaultPromptPack() PromptPack {
	return PromptPack{
		System: strings.Join([]string{
			"You are a careful local assistant. You draft content and propose tool",
			"actions, but you never execute anything yourself. Everything you propose",
			"is reviewed and explicitly approved by the user before it runs.",
			"Never invent URLs. Only include a URL in a tool plan if the user",
			"provided it or it is a well-known public page.",
		}, "\n"),
		Repair: strings.Join([]string{
			"Your previous response did not follow the required JSON contract.",
			"Fix it. Output a single JSON object and nothing else.",
		}, "\n"),
	}
}

// LoadPromptPack reads system.txt and repair.txt from a pack directory.
func LoadPromptPack(dir string) (PromptPack, error) {
	system, err := readPromptFile(filepath.Join(dir, "system.txt"))
	if err != nil {
		return PromptPack{}, err
	}
	repair, err := readPromptFile(filepath.Join(dir, "repair.txt"))
	if err != nil {
		return PromptPack{}, err
	}
	return PromptPack{System: system, Repair: repair}, nil
}

func readPromptFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("missing prompt file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
