package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
ip_addr = "0.0.0.0"

[[apps]]
uuid = "app1"
ip_addr = "10.0.0.1"

[[apps.targets]]
ip_addr = "10.1.0.1"
weight = 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.ControlSocketPath != "/run/vipgate/control.sock" {
		t.Fatalf("ControlSocketPath = %q, want default", cfg.ControlSocketPath)
	}
}

func TestLoadRejectsDuplicateAppIPs(t *testing.T) {
	path := writeConfig(t, `
[[apps]]
uuid = "app1"
ip_addr = "10.0.0.1"
[[apps.targets]]
ip_addr = "10.1.0.1"
weight = 1

[[apps]]
uuid = "app2"
ip_addr = "10.0.0.1"
[[apps.targets]]
ip_addr = "10.1.0.2"
weight = 1
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate virtual ip to be rejected, got nil error")
	}
}

func TestLoadRejectsAppWithNoTargets(t *testing.T) {
	path := writeConfig(t, `
[[apps]]
uuid = "app1"
ip_addr = "10.0.0.1"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected NoTargets to be rejected at load time, got nil error")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, `
ip_addr = "0.0.0.0"
port = 8080
`)

	os.Setenv("GATEWAY_PORT", "9999")
	defer os.Unsetenv("GATEWAY_PORT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d, want env override 9999", cfg.Port)
	}
}
