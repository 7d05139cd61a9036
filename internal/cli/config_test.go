package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigSetGetUnsetCommands(t *testing.T) {
	setupHome(t, nil)
	cfgFile := filepath.Join(os.Getenv("PMDAEMON_HOME"), ".pmdaemon", "config.json")

	if _, err := runRootCommand(t, "config", "set", "server.port", "18888"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := runRootCommand(t, "config", "get", "server.port")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if out != "18888" {
		t.Fatalf("expected 18888, got %q", out)
	}

	if _, err := runRootCommand(t, "config", "set", "slack.channels", `["C1","C2"]`); err != nil {
		t.Fatalf("config set list failed: %v", err)
	}
	if _, err := runRootCommand(t, "config", "set", "custom.section.value", `"hello"`); err == nil {
		t.Fatal("unknown keys must be rejected")
	}

	if _, err := runRootCommand(t, "config", "unset", "server.port"); err != nil {
		t.Fatalf("config unset failed: %v", err)
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		t.Fatalf("read config after unset: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal config after unset: %v", err)
	}
	server, _ := m["server"].(map[string]any)
	if _, exists := server["port"]; exists {
		t.Fatal("expected server.port removed from config file")
	}
	if _, ok := m["custom"]; ok {
		t.Fatal("rejected edit must not be written")
	}
	slack, _ := m["slack"].(map[string]any)
	if chans, _ := slack["channels"].([]any); len(chans) != 2 {
		t.Fatalf("expected two channels, got %v", slack["channels"])
	}
}
