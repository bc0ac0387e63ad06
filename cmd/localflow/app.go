package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"localflow/internal/approval"
	"localflow/internal/browser"
	"localflow/internal/chat"
	"localflow/internal/config"
	"localflow/internal/embedding"
	"localflow/internal/gate"
	"localflow/internal/index"
	"localflow/internal/logging"
	"localflow/internal/permission"
	"localflow/internal/provider"
	"localflow/internal/retrieval"
	"localflow/internal/store"
	"localflow/internal/tools"
)

// app wires the full pipeline for one CLI invocation.
type app struct {
	cfg       *config.Config
	store     *store.LocalStore
	perms     *permission.Manager
	chunks    *index.ChunkStore
	embed     embedding.EmbeddingEngine
	indexer   *index.Indexer
	retriever *retrieval.Engine
	browser   *browser.Manager
	registry  *tools.Registry
	gate      *gate.Engine
	approvals *approval.Service
	provider  provider.Provider
	chat      *chat.Service
}

func openApp(workspace string) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(workspace, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	chunks, err := index.NewChunkStore(cfg.Storage.IndexPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open chunk index: %w", err)
	}

	embedEngine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		Dimensions:     cfg.Embedding.Dimensions,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Timeout:        cfg.EmbeddingTimeout(),
	})
	if err != nil {
		st.Close()
		chunks.Close()
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}

	perms := permission.NewManager(cfg.Storage.PermissionsPath)
	indexer := index.NewIndexer(chunks, perms, embedEngine, index.Config{
		ChunkSize:    cfg.RAG.ChunkSize,
		ChunkOverlap: cfg.RAG.ChunkOverlap,
	})
	retriever := retrieval.NewEngine(chunks, perms, embedEngine)

	mgr := browser.NewManager(browser.Config{
		Headless:            cfg.Browser.Headless,
		ViewportWidth:       cfg.Browser.ViewportWidth,
		ViewportHeight:      cfg.Browser.ViewportHeight,
		NavigationTimeoutMs: cfg.Browser.NavigationTimeoutMs,
	})

	registry := tools.NewRegistry()
	if err := tools.RegisterAll(registry, mgr); err != nil {
		st.Close()
		chunks.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	llm, err := newProvider(cfg)
	if err != nil {
		st.Close()
		chunks.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     st,
		perms:     perms,
		chunks:    chunks,
		embed:     embedEngine,
		indexer:   indexer,
		retriever: retriever,
		browser:   mgr,
		registry:  registry,
		gate:      gate.NewEngine(st, registry),
		approvals: approval.NewService(st),
		provider:  llm,
		chat:      chat.NewService(st, llm, retriever),
	}, nil
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	prompts := provider.DefaultPromptPack()
	switch cfg.LLM.Provider {
	case "", "ollama":
		return provider.NewOllamaProvider(cfg.LLM.BaseURL, cfg.LLM.Model, prompts, cfg.LLMTimeout()), nil
	case "genai", "gemini":
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("llm.api_key is required for provider %q", cfg.LLM.Provider)
		}
		return provider.NewGeminiProvider(cfg.LLM.APIKey, cfg.LLM.Model, prompts, cfg.LLMTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.LLM.Provider)
	}
}

func (a *app) Close() {
	if a.browser != nil && a.browser.IsConnected() {
		_ = a.browser.Shutdown(context.Background())
	}
	if a.chunks != nil {
		_ = a.chunks.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	logging.CloseAll()
}
