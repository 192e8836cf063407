package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != DefaultAddress {
		t.Errorf("Address = %q, want %q", cfg.Address, DefaultAddress)
	}
	if cfg.PluginsDir != filepath.Join(DefaultDataDir, "plugins") {
		t.Errorf("PluginsDir = %q", cfg.PluginsDir)
	}
	if cfg.Assets.Backend != "dir" {
		t.Errorf("Assets.Backend = %q, want dir", cfg.Assets.Backend)
	}
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apphub.json")
	body := `{"address":"127.0.0.1:9000","data_dir":"/tmp/hub","assets":{"backend":"s3","bucket":"b"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.TokenFile != filepath.Join("/tmp/hub", "tokens.json") {
		t.Errorf("TokenFile = %q", cfg.TokenFile)
	}
	if cfg.Assets.Backend != "s3" || cfg.Assets.Bucket != "b" {
		t.Errorf("Assets = %+v", cfg.Assets)
	}
	// The dir default still fills in even for the s3 backend.
	if cfg.Assets.Dir == "" {
		t.Error("Assets.Dir not defaulted")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apphub.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}
