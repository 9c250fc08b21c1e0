package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"meshvault/core"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("no-such-config", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := core.DefaultConfig()
	if cfg.VFS.ChunkSize != want.VFS.ChunkSize {
		t.Fatalf("chunk size %d, want default %d", cfg.VFS.ChunkSize, want.VFS.ChunkSize)
	}
	if cfg.Network.BucketSize != want.Network.BucketSize {
		t.Fatalf("bucket size %d, want default %d", cfg.Network.BucketSize, want.Network.BucketSize)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var cfg core.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := core.DefaultConfig()
	if cfg.VFS.ChunkSize != want.VFS.ChunkSize || cfg.Codec.FragmentTotal != want.Codec.FragmentTotal {
		t.Fatalf("written defaults do not round-trip: %+v", cfg.VFS)
	}
}
