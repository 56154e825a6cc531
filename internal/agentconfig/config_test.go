package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsPassValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Sensor.GUID = "sensor-test"
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()+GUID) = %v, want nil", err)
	}
}

func TestDefaultsRejectedWithoutSensorGUID(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for missing sensor.guid")
	}
}

func TestValidateRejectsBadSynchronousMode(t *testing.T) {
	cfg := Defaults()
	cfg.Sensor.GUID = "s1"
	cfg.DB.Synchronous = "WEIRD"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for invalid db.synchronous")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	contents := `
schema_version: "1"
node_id: test-node
sensor:
  guid: sensor-abc
db:
  path: /tmp/test-events.db
  batch_size: 512
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "test-node" {
		t.Fatalf("NodeID = %q, want test-node", cfg.NodeID)
	}
	if cfg.DB.BatchSize != 512 {
		t.Fatalf("DB.BatchSize = %d, want 512 (file override)", cfg.DB.BatchSize)
	}
	// Unset fields must retain their default values.
	if cfg.DB.FlushIntervalMS != 1000 {
		t.Fatalf("DB.FlushIntervalMS = %d, want 1000 (unmodified default)", cfg.DB.FlushIntervalMS)
	}
	if cfg.Ring.Name != "/tmp/octoreflex-ring" {
		t.Fatalf("Ring.Name = %q, want default", cfg.Ring.Name)
	}
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/agent.yaml"); err == nil {
		t.Fatal("expected error loading a nonexistent config file")
	}
}
