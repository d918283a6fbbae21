package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Engine     EngineConfig
	Storage    StorageConfig
	Chunking   ChunkingConfig
	Extraction ExtractionConfig
	Zotero     ZoteroConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type EngineConfig struct {
	Provider   string // "openai" or "ollama"
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type ExtractionConfig struct {
	TopK        int
	Concurrency int
	CellTimeout string
	RatePerSec  float64
}

// Timeout parses the configured per-cell timeout; unparseable values fall
// back to the default.
func (c ExtractionConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.CellTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

type ZoteroConfig struct {
	LibraryID   string
	LibraryType string
	APIKey      string
}

// Configured reports whether the Zotero credentials are complete enough to
// sync.
func (z ZoteroConfig) Configured() bool {
	return z.LibraryID != "" && z.APIKey != ""
}

type LogConfig struct {
	Level string
	JSON  bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8000,
			MCPPort: 8001,
		},
		Engine: EngineConfig{
			Provider:   "openai",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			Size:    500,
			Overlap: 50,
		},
		Extraction: ExtractionConfig{
			TopK:        5,
			Concurrency: 4,
			CellTimeout: "2m",
		},
		Zotero: ZoteroConfig{
			LibraryType: "user",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a .env file if present, the JSON config file
// at $XDG_CONFIG_HOME/tessera/config.json, and environment variables, in that
// order of increasing precedence. TESSERA_* variables override file values;
// the engine API key additionally falls back to OPENAI_API_KEY and the Zotero
// credentials to ZOTERO_LIBRARY_ID / ZOTERO_API_ACCESS_KEY.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newDefaultBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Zotero.LibraryID == "" {
		cfg.Zotero.LibraryID = os.Getenv("ZOTERO_LIBRARY_ID")
	}
	if cfg.Zotero.APIKey == "" {
		cfg.Zotero.APIKey = os.Getenv("ZOTERO_API_ACCESS_KEY")
	}

	// The compiled base URL default tracks the provider.
	if cfg.Engine.BaseURL == "" {
		if cfg.Engine.Provider == "ollama" {
			cfg.Engine.BaseURL = "http://localhost:11434"
		} else {
			cfg.Engine.BaseURL = "https://api.openai.com/v1"
		}
	}

	if cfg.Engine.Provider != "ollama" && cfg.Engine.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: engine API key. " +
			"Set it via environment variable TESSERA_ENGINE_API_KEY or OPENAI_API_KEY, " +
			"or switch engine.provider to ollama")
	}

	return cfg, nil
}
