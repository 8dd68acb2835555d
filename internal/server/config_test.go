package server

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigValues(t *testing.T) {
	c := DefaultConfig()
	if c.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.Server.ListenAddr)
	}
	if c.Display.Units.Speed != "mph" {
		t.Errorf("Units.Speed = %q, want mph", c.Display.Units.Speed)
	}
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	c := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if c.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default :8080", c.Server.ListenAddr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("TEMP_UNIT", "F")
	t.Setenv("LOG_ENABLED", "true")

	c := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if c.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090 from LISTEN_ADDR override", c.Server.ListenAddr)
	}
	if c.Display.Units.Temperature != "F" {
		t.Errorf("Units.Temperature = %q, want F from TEMP_UNIT override", c.Display.Units.Temperature)
	}
	if !c.Logging.Enabled {
		t.Errorf("Logging.Enabled = false, want true from LOG_ENABLED=true")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashboard.yaml")
	c := DefaultConfig()
	c.path = path
	c.Display.Layout = "race"
	if err := c.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded := LoadConfig(path)
	if loaded.Display.Layout != "race" {
		t.Errorf("Display.Layout = %q after reload, want race", loaded.Display.Layout)
	}
}

func TestUpdateFromJSONMerges(t *testing.T) {
	c := DefaultConfig()
	err := c.UpdateFromJSON([]byte(`{"display":{"units":{"temperature":"F"}}}`))
	if err != nil {
		t.Fatalf("UpdateFromJSON error: %v", err)
	}
	if c.Display.Units.Temperature != "F" {
		t.Errorf("Units.Temperature = %q, want F after partial update", c.Display.Units.Temperature)
	}
	if c.Display.Units.Speed != "mph" {
		t.Errorf("Units.Speed = %q, want unchanged mph after unrelated partial update", c.Display.Units.Speed)
	}
}

func TestToJSONRoundTrip(t *testing.T) {
	c := DefaultConfig()
	data, err := c.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON error: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("ToJSON returned empty data")
	}
}
