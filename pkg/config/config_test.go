package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Match.TopK != 10 {
		t.Errorf("TopK = %d, want 10", cfg.Match.TopK)
	}
	if cfg.Scoring.WeightCap != 4.0 {
		t.Errorf("WeightCap = %v, want 4.0", cfg.Scoring.WeightCap)
	}
	if len(cfg.Scoring.StatusMult) != 7 {
		t.Fatalf("StatusMult has %d entries, want 7", len(cfg.Scoring.StatusMult))
	}
	// First-substring-match semantics: "open" leads, so a combined
	// status like "Open - Devs investigating" takes the open multiplier.
	if sm := cfg.Scoring.StatusMult[0]; sm.Contains != "open" || sm.Mult != 1.10 {
		t.Errorf("StatusMult[0] = %+v, want open 1.10", sm)
	}
	if sm := cfg.Scoring.StatusMult[3]; sm.Contains != "devs investigating" || sm.Mult != 1.12 {
		t.Errorf("StatusMult[3] = %+v, want devs investigating 1.12", sm)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("server:\n  port: 9999\nmatch:\n  topK: 5\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Match.TopK != 5 {
		t.Errorf("TopK = %d, want 5", cfg.Match.TopK)
	}
	// Untouched values keep their defaults.
	if cfg.Match.CandidateLimit != 800 {
		t.Errorf("CandidateLimit = %d, want 800", cfg.Match.CandidateLimit)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("corpus:\n  source: carrier-pigeon\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown corpus source")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BM_MATCH_TOP_K", "7")
	t.Setenv("BM_CORPUS_EXCLUDE_STATUSES", "Closed, Duplicate")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Match.TopK != 7 {
		t.Errorf("TopK = %d, want 7", cfg.Match.TopK)
	}
	if len(cfg.Corpus.ExcludeStatuses) != 2 || cfg.Corpus.ExcludeStatuses[1] != "Duplicate" {
		t.Errorf("ExcludeStatuses = %v", cfg.Corpus.ExcludeStatuses)
	}
	if cfg.Rerank.APIKey != "sk-test" {
		t.Errorf("APIKey not picked up from OPENAI_API_KEY")
	}
	if !cfg.RerankReady() {
		t.Error("RerankReady should be true with key and enabled")
	}
}
