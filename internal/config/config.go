package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all localflow configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Local retrieval configuration
	RAG RAGConfig `yaml:"rag"`

	// Browser automation configuration
	Browser BrowserConfig `yaml:"browser"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // ollama, genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // local, ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Timeout        string `yaml:"timeout"`
	Dimensions     int    `yaml:"dimensions"` // used by the local provider
}

// RAGConfig configures the local indexer and retrieval engine.
type RAGConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	MaxFiles     int `yaml:"max_files"`
	TopK         int `yaml:"top_k"`
}

// BrowserConfig configures rod-driven browser sessions.
type BrowserConfig struct {
	Headless            bool `yaml:"headless"`
	ViewportWidth       int  `yaml:"viewport_width"`
	ViewportHeight      int  `yaml:"viewport_height"`
	NavigationTimeoutMs int  `yaml:"navigation_timeout_ms"`
}

// StorageConfig configures on-disk locations.
type StorageConfig struct {
	// DatabasePath is the conversation/draft/approval/execution store.
	DatabasePath string `yaml:"database_path"`

	// IndexPath is the chunk index store.
	IndexPath string `yaml:"index_path"`

	// PermissionsPath holds the authorized retrieval roots.
	PermissionsPath string `yaml:"permissions_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration rooted at workspace.
func DefaultConfig(workspace string) *Config {
	base := filepath.Join(workspace, ".localflow")
	return &Config{
		Name:    "localflow",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
			BaseURL:  "http://localhost:11434",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "local",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Timeout:        "30s",
			Dimensions:     384,
		},

		RAG: RAGConfig{
			ChunkSize:    1200,
			ChunkOverlap: 200,
			MaxFiles:     1500,
			TopK:         5,
		},

		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},

		Storage: StorageConfig{
			DatabasePath:    filepath.Join(base, "localflow.db"),
			IndexPath:       filepath.Join(base, "index.db"),
			PermissionsPath: filepath.Join(base, "permissions.json"),
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// ConfigPath returns the workspace config file location.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, ".localflow", "config.yaml")
}

// Load reads the workspace config, falling back to defaults when the file
// does not exist. A malformed file is an error, not a silent default.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig(workspace)

	data, err := os.ReadFile(ConfigPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the workspace config file.
func (c *Config) Save(workspace string) error {
	path := ConfigPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LLMTimeout parses the LLM timeout with a safe default.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// EmbeddingTimeout parses the embedding timeout with a safe default.
func (c *Config) EmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
