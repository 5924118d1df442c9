package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigDefaults(t *testing.T) {
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvSessionID, "")
	t.Setenv(EnvDebug, "")

	c, err := ReadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Hub.SocketPath != DefaultSocketPath {
		t.Errorf("socket path: expected %s, got %s", DefaultSocketPath, c.Hub.SocketPath)
	}
	if c.Client.RegisterTimeoutDuration() != 5*time.Second {
		t.Errorf("register timeout: expected 5s, got %v", c.Client.RegisterTimeoutDuration())
	}
	if c.Client.PollIntervalDuration() != 500*time.Millisecond {
		t.Errorf("client poll: expected 500ms, got %v", c.Client.PollIntervalDuration())
	}
}

func TestReadConfigJSONAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"hub":{"socket_path":"/tmp/x/hub.sock","poll_interval":"250ms"},"debug_mode":false}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvSessionID, "alice")
	t.Setenv(EnvDebug, "true")

	c, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Hub.SocketPath != "/tmp/x/hub.sock" {
		t.Errorf("socket path: got %s", c.Hub.SocketPath)
	}
	if c.Hub.PollIntervalDuration() != 250*time.Millisecond {
		t.Errorf("poll interval: got %v", c.Hub.PollIntervalDuration())
	}
	if c.Hub.WriteTimeoutDuration() != 5*time.Second {
		t.Errorf("write timeout should keep default, got %v", c.Hub.WriteTimeoutDuration())
	}
	if c.Client.SessionID != "alice" || !c.DebugMode {
		t.Errorf("env overrides not applied: %+v", c)
	}

	cached, _ := GetConfig()
	if cached.Client.SessionID != "alice" {
		t.Errorf("GetConfig should return the loaded config")
	}
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	body := "hub:\n  socket_path: /tmp/y/hub.sock\ndatabase:\n  enabled: true\n  port: 27018\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvSocket, "/tmp/env/hub.sock")

	c, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Hub.SocketPath != "/tmp/env/hub.sock" {
		t.Errorf("env should win over file, got %s", c.Hub.SocketPath)
	}
	if !c.Database.Enabled || c.Database.Port != 27018 || c.Database.Database != "sessionhub" {
		t.Errorf("database section not merged: %+v", c.Database)
	}
}

func TestReadConfigCreatesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if _, err := ReadConfig(path); err == nil {
		t.Fatal("expected an error for a missing configuration file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template was not written: %v", err)
	}
	if _, err := ReadConfig(path); err != nil {
		t.Fatalf("template should load cleanly: %v", err)
	}
}

func TestReadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfig(path); err == nil {
		t.Fatal("expected a JSON error")
	}
}
