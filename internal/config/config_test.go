package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ConfidenceDuplicate != 0.85 || cfg.ConfidenceSimilar != 0.60 {
		t.Errorf("thresholds = %v/%v", cfg.ConfidenceDuplicate, cfg.ConfidenceSimilar)
	}
	if cfg.ImageDistanceThreshold != 5 {
		t.Errorf("distance threshold = %d", cfg.ImageDistanceThreshold)
	}
	sum := cfg.WeightChecksum + cfg.WeightHash + cfg.WeightMetadata + cfg.WeightName + cfg.WeightCaptureTime
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("default weights sum to %v", sum)
	}
	if cfg.IOWorkers > 4 {
		t.Errorf("io workers = %d, want capped at 4", cfg.IOWorkers)
	}
}

func TestLoadMissingDefaultIsFine(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("missing default config: %v", err)
	}
	if cfg.ConfidenceDuplicate != 0.85 {
		t.Error("defaults not applied")
	}
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "confidence_duplicate = 0.9\nexcludes = [\"*.tmp\"]\nphash = true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfidenceDuplicate != 0.9 {
		t.Errorf("confidence_duplicate = %v", cfg.ConfidenceDuplicate)
	}
	if len(cfg.Excludes) != 1 || cfg.Excludes[0] != "*.tmp" {
		t.Errorf("excludes = %v", cfg.Excludes)
	}
	if !cfg.PHash {
		t.Error("phash not read")
	}
	// Untouched keys keep their defaults.
	if cfg.ConfidenceSimilar != 0.60 {
		t.Errorf("confidence_similar = %v", cfg.ConfidenceSimilar)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("explicit missing file must fail")
	}
}
