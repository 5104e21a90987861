package config

import (
	"testing"
)

func backendWith(data map[string]any) *fileBackend {
	return &fileBackend{data: data}
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(backendWith(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Encoder.Dim != 512 {
		t.Errorf("Encoder.Dim = %d, want 512", cfg.Encoder.Dim)
	}
	if cfg.Ingest.FPS != 1.0 {
		t.Errorf("Ingest.FPS = %g, want 1.0", cfg.Ingest.FPS)
	}
	if cfg.Search.SemanticThreshold != 0.49 {
		t.Errorf("Search.SemanticThreshold = %g, want 0.49", cfg.Search.SemanticThreshold)
	}
	if cfg.Search.GroupWindowMS != 2000 {
		t.Errorf("Search.GroupWindowMS = %d, want 2000", cfg.Search.GroupWindowMS)
	}
}

func TestFileBackendOverrides(t *testing.T) {
	cfg, err := loadWith(backendWith(map[string]any{
		"server.port":               float64(9000),
		"encoder.dim":               float64(768),
		"search.semantic_threshold": 0.6,
		"search.group_window_ms":    float64(3000),
		"storage.backend":           "sqlite",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Encoder.Dim != 768 {
		t.Errorf("Encoder.Dim = %d, want 768", cfg.Encoder.Dim)
	}
	if cfg.Search.SemanticThreshold != 0.6 {
		t.Errorf("Search.SemanticThreshold = %g, want 0.6", cfg.Search.SemanticThreshold)
	}
	if cfg.Search.GroupWindowMS != 3000 {
		t.Errorf("Search.GroupWindowMS = %d, want 3000", cfg.Search.GroupWindowMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLIPSEEK_SERVER_PORT", "7777")
	t.Setenv("CLIPSEEK_SEARCH_MIN_SCORE", "0.25")
	t.Setenv("CLIPSEEK_STORAGE_BACKEND", "sqlite")

	cfg, err := loadWith(backendWith(map[string]any{
		"server.port": float64(9000),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Env wins over the file backend.
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Search.MinScore != 0.25 {
		t.Errorf("Search.MinScore = %g, want 0.25", cfg.Search.MinScore)
	}
}

func TestEnvOverrideMalformedValueIgnored(t *testing.T) {
	t.Setenv("CLIPSEEK_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(backendWith(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]any
		wantErr bool
	}{
		{
			name:    "postgres without url",
			data:    map[string]any{"storage.backend": "postgres"},
			wantErr: true,
		},
		{
			name: "postgres with url",
			data: map[string]any{
				"storage.backend":      "postgres",
				"storage.postgres_url": "postgres://localhost/clipseek",
			},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			data:    map[string]any{"storage.backend": "lancedb"},
			wantErr: true,
		},
		{
			name:    "zero encoder dim",
			data:    map[string]any{"encoder.dim": float64(0)},
			wantErr: true,
		},
		{
			name:    "negative fps",
			data:    map[string]any{"ingest.fps": -1.0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(backendWith(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("loadWith error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
