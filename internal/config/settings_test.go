package config

import (
	"strings"
	"testing"
)

func TestSetKeyPersistsAndReloads(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "5000"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey("search.semantic_threshold", "0.6"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	cfg, err := loadWith(newFileBackend(configFilePath()))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Search.SemanticThreshold != 0.6 {
		t.Errorf("Search.SemanticThreshold = %g, want 0.6", cfg.Search.SemanticThreshold)
	}
}

func TestSetKeyRejectsBadInput(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := SetKey("server.port", "not-a-number"); err == nil {
		t.Error("expected error for malformed int")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-verysecretkey")

	cfg, err := loadWith(backendWith(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawKey, sawPort bool
	for _, s := range ShowAll(cfg) {
		switch s.Key {
		case "openai.api_key":
			sawKey = true
			if strings.Contains(s.Value, "verysecret") {
				t.Errorf("api key not masked: %q", s.Value)
			}
			if s.Value == "" {
				t.Error("masked api key should not be empty")
			}
		case "server.port":
			sawPort = true
			if s.Value != "4600" {
				t.Errorf("server.port = %q, want 4600", s.Value)
			}
		}
	}
	if !sawKey || !sawPort {
		t.Fatal("ShowAll missing expected keys")
	}
}
