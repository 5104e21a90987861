package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Encoder EncoderConfig
	OpenAI  OpenAIConfig
	Ingest  IngestConfig
	Search  SearchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// MCPUser is the library (user UUID) MCP stdio sessions operate on.
	// The MCP server stays off when empty.
	MCPUser string
	Token   string
}

// StorageConfig selects and tunes the segment store backend.
// Backend "sqlite" is the zero-setup local mode with exact-scan search;
// "postgres" uses pgvector ANN and honors the pool limits below.
type StorageConfig struct {
	Backend         string
	DataDir         string
	PostgresURL     string
	PoolMinConns    int
	PoolMaxConns    int
	PoolMaxLifetime string
	PoolMaxIdleTime string
	AcquireTimeout  string
}

type EncoderConfig struct {
	BaseURL string
	Dim     int
}

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	CaptionModel string
	ScoringModel string
}

type IngestConfig struct {
	FPS       float64
	BatchSize int
	Workers   int
	SpoolDir  string
}

type SearchConfig struct {
	TopK              int
	MinScore          float64
	SemanticThreshold float64
	GroupWindowMS     int64
	Stage2Timeout     string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			Backend:         "sqlite",
			DataDir:         dataDir,
			PoolMinConns:    2,
			PoolMaxConns:    8,
			PoolMaxLifetime: "1h",
			PoolMaxIdleTime: "5m",
			AcquireTimeout:  "5s",
		},
		Encoder: EncoderConfig{
			BaseURL: "http://localhost:8091",
			Dim:     512,
		},
		OpenAI: OpenAIConfig{
			CaptionModel: "gpt-4o-mini",
			ScoringModel: "gpt-4o-mini",
		},
		Ingest: IngestConfig{
			FPS:       1.0,
			BatchSize: 10,
			Workers:   2,
			SpoolDir:  filepath.Join(dataDir, "spool"),
		},
		Search: SearchConfig{
			TopK:              10,
			MinScore:          0,
			SemanticThreshold: 0.49,
			GroupWindowMS:     2000,
			Stage2Timeout:     "10s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in layers: built-in defaults, then the JSON
// config file at $XDG_CONFIG_HOME/clipseek/config.json, then CLIPSEEK_*
// environment variables. A .env file in the working directory is loaded
// into the environment first (ignored when absent).
func Load() (Config, error) {
	godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b *fileBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return fmt.Errorf("missing required config: postgres URL. " +
				"Set it via CLIPSEEK_STORAGE_POSTGRES_URL or storage.postgres_url in the config file")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite or postgres)", cfg.Storage.Backend)
	}
	if cfg.Encoder.Dim <= 0 {
		return fmt.Errorf("encoder.dim must be positive, got %d", cfg.Encoder.Dim)
	}
	if cfg.Ingest.FPS <= 0 {
		return fmt.Errorf("ingest.fps must be positive, got %g", cfg.Ingest.FPS)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "clipseek-data"
		}
	}
	return filepath.Join(dir, "clipseek")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "clipseek", "config.json")
}
