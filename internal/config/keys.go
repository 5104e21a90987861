package config

import (
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kInt64
	kBool
	kFloat
)

// keySpec binds one config key to its file-backend name, environment
// variable, and the Config field it populates. Adding a key means adding
// one entry here.
type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	apply  func(cfg *Config, v any)
	read   func(cfg *Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CLIPSEEK_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		read:  func(cfg *Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_user", typ: kString, env: "CLIPSEEK_SERVER_MCP_USER",
		apply: func(cfg *Config, v any) { cfg.Server.MCPUser = v.(string) },
		read:  func(cfg *Config) any { return cfg.Server.MCPUser },
	},
	{
		key: "server.token", typ: kString, env: "CLIPSEEK_SERVER_TOKEN", secret: true,
		apply: func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		read:  func(cfg *Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.backend", typ: kString, env: "CLIPSEEK_STORAGE_BACKEND",
		apply: func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CLIPSEEK_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "CLIPSEEK_STORAGE_POSTGRES_URL", secret: true,
		apply: func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "storage.pool_min_conns", typ: kInt, env: "CLIPSEEK_STORAGE_POOL_MIN_CONNS",
		apply: func(cfg *Config, v any) { cfg.Storage.PoolMinConns = v.(int) },
		read:  func(cfg *Config) any { return cfg.Storage.PoolMinConns },
	},
	{
		key: "storage.pool_max_conns", typ: kInt, env: "CLIPSEEK_STORAGE_POOL_MAX_CONNS",
		apply: func(cfg *Config, v any) { cfg.Storage.PoolMaxConns = v.(int) },
		read:  func(cfg *Config) any { return cfg.Storage.PoolMaxConns },
	},
	{
		key: "storage.pool_max_lifetime", typ: kString, env: "CLIPSEEK_STORAGE_POOL_MAX_LIFETIME",
		apply: func(cfg *Config, v any) { cfg.Storage.PoolMaxLifetime = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.PoolMaxLifetime },
	},
	{
		key: "storage.pool_max_idle_time", typ: kString, env: "CLIPSEEK_STORAGE_POOL_MAX_IDLE_TIME",
		apply: func(cfg *Config, v any) { cfg.Storage.PoolMaxIdleTime = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.PoolMaxIdleTime },
	},
	{
		key: "storage.acquire_timeout", typ: kString, env: "CLIPSEEK_STORAGE_ACQUIRE_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Storage.AcquireTimeout = v.(string) },
		read:  func(cfg *Config) any { return cfg.Storage.AcquireTimeout },
	},
	{
		key: "encoder.base_url", typ: kString, env: "CLIPSEEK_ENCODER_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Encoder.BaseURL = v.(string) },
		read:  func(cfg *Config) any { return cfg.Encoder.BaseURL },
	},
	{
		key: "encoder.dim", typ: kInt, env: "CLIPSEEK_ENCODER_DIM",
		apply: func(cfg *Config, v any) { cfg.Encoder.Dim = v.(int) },
		read:  func(cfg *Config) any { return cfg.Encoder.Dim },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPENAI_API_KEY", secret: true,
		apply: func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		read:  func(cfg *Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "CLIPSEEK_OPENAI_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		read:  func(cfg *Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.caption_model", typ: kString, env: "CLIPSEEK_CAPTION_MODEL",
		apply: func(cfg *Config, v any) { cfg.OpenAI.CaptionModel = v.(string) },
		read:  func(cfg *Config) any { return cfg.OpenAI.CaptionModel },
	},
	{
		key: "openai.scoring_model", typ: kString, env: "CLIPSEEK_SCORING_MODEL",
		apply: func(cfg *Config, v any) { cfg.OpenAI.ScoringModel = v.(string) },
		read:  func(cfg *Config) any { return cfg.OpenAI.ScoringModel },
	},
	{
		key: "ingest.fps", typ: kFloat, env: "CLIPSEEK_INGEST_FPS",
		apply: func(cfg *Config, v any) { cfg.Ingest.FPS = v.(float64) },
		read:  func(cfg *Config) any { return cfg.Ingest.FPS },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "CLIPSEEK_INGEST_BATCH_SIZE",
		apply: func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		read:  func(cfg *Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.workers", typ: kInt, env: "CLIPSEEK_INGEST_WORKERS",
		apply: func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		read:  func(cfg *Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.spool_dir", typ: kString, env: "CLIPSEEK_INGEST_SPOOL_DIR",
		apply: func(cfg *Config, v any) { cfg.Ingest.SpoolDir = v.(string) },
		read:  func(cfg *Config) any { return cfg.Ingest.SpoolDir },
	},
	{
		key: "search.top_k", typ: kInt, env: "CLIPSEEK_SEARCH_TOP_K",
		apply: func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		read:  func(cfg *Config) any { return cfg.Search.TopK },
	},
	{
		key: "search.min_score", typ: kFloat, env: "CLIPSEEK_SEARCH_MIN_SCORE",
		apply: func(cfg *Config, v any) { cfg.Search.MinScore = v.(float64) },
		read:  func(cfg *Config) any { return cfg.Search.MinScore },
	},
	{
		key: "search.semantic_threshold", typ: kFloat, env: "CLIPSEEK_SEARCH_SEMANTIC_THRESHOLD",
		apply: func(cfg *Config, v any) { cfg.Search.SemanticThreshold = v.(float64) },
		read:  func(cfg *Config) any { return cfg.Search.SemanticThreshold },
	},
	{
		key: "search.group_window_ms", typ: kInt64, env: "CLIPSEEK_SEARCH_GROUP_WINDOW_MS",
		apply: func(cfg *Config, v any) { cfg.Search.GroupWindowMS = v.(int64) },
		read:  func(cfg *Config) any { return cfg.Search.GroupWindowMS },
	},
	{
		key: "search.stage2_timeout", typ: kString, env: "CLIPSEEK_SEARCH_STAGE2_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Search.Stage2Timeout = v.(string) },
		read:  func(cfg *Config) any { return cfg.Search.Stage2Timeout },
	},
	{
		key: "log.level", typ: kString, env: "CLIPSEEK_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		read:  func(cfg *Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b *fileBackend) error {
	for _, spec := range specs {
		raw, ok := b.get(spec.key)
		if !ok {
			continue
		}
		v, err := coerce(spec, raw)
		if err != nil {
			return err
		}
		spec.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, spec := range specs {
		raw := os.Getenv(spec.env)
		if raw == "" {
			continue
		}
		v, err := coerceString(spec, raw)
		if err != nil {
			// Env overrides are best-effort: a malformed value keeps the
			// previous layer's value rather than aborting startup.
			continue
		}
		spec.apply(cfg, v)
	}
}

func coerceString(spec keySpec, raw string) (any, error) {
	switch spec.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kInt64:
		return strconv.ParseInt(raw, 10, 64)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return nil, nil
}
