package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"localflow/internal/types"
)

// OllamaProvider generates drafts against a local Ollama server.
type OllamaProvider struct {
	baseURL    string
	model      string
	prompts    PromptPack
	maxRepairs int
	client     *http.Client
}

// NewOllamaProvider creates an Ollama-backed provider.
func NewOllamaProvider(baseURL, model string, prompts PromptPack, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		prompts:    prompts,
		maxRepairs: 2,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return fmt.Sprintf("ollama:%s", p.model)
}

// Generate runs the draft pipeline against /api/generate.
func (p *OllamaProvider) Generate(ctx context.Context, userMessage string, history []types.Message, contextBlock string) (*DraftResponse, error) {
	return generateDraft(ctx, p.rawGenerate, p.prompts, p.maxRepairs, userMessage, history, contextBlock)
}

func (p *OllamaProvider) rawGenerate(ctx context.Context, prompt string) (string, error) {
	payload := ollamaGenerateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Op: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Op: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Op: "generate", Retryable: retryable(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProviderError{
			Provider:  p.Name(),
			Op:        "generate",
			Retryable: resp.StatusCode >= 500,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProviderError{Provider: p.Name(), Op: "decode response", Err: err}
	}
	return result.Response, nil
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}
