package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/JBossBC/regionheap/config"
)

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.yaml")
	data := []byte("max_capacity: 64M\nmin_capacity: 8M\ninitial_capacity: 8M\ndiagnostics:\n  listen: \":9000\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, "127.0.0.1:9100", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCapacity != 64*config.M || cfg.Diagnostics.Listen != "127.0.0.1:9100" || cfg.Backing != config.BackingMemory {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := loadConfig("", "", "tape"); err == nil {
		t.Fatal("unknown backing accepted")
	}
}
