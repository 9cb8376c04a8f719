package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "text" {
		t.Errorf("Agent.LogFormat = %s, want text", cfg.Agent.LogFormat)
	}
	if cfg.Transport.Type != "tcp" {
		t.Errorf("Transport.Type = %s, want tcp", cfg.Transport.Type)
	}
	if cfg.Proxy.ServerProxy {
		t.Error("Proxy.ServerProxy = true, want false by default")
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  log_level: debug
  log_format: json
  key_file: /etc/sectun/key

proxy:
  listen: "127.0.0.1:9000"
  upstream: "10.0.0.1:4433"
  dial_timeout: 10s

transport:
  type: tls
  cert: /etc/sectun/cert.pem
  key: /etc/sectun/key.pem

metrics:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	if cfg.Proxy.Listen != "127.0.0.1:9000" {
		t.Errorf("Proxy.Listen = %s, want 127.0.0.1:9000", cfg.Proxy.Listen)
	}
	if cfg.Transport.Type != "tls" {
		t.Errorf("Transport.Type = %s, want tls", cfg.Transport.Type)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestParseMissingRequiredFields(t *testing.T) {
	_, err := Parse([]byte("agent:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("Parse() should fail without proxy.listen/upstream")
	}
	if !strings.Contains(err.Error(), "proxy.listen") {
		t.Errorf("error = %v, want mention of proxy.listen", err)
	}
}

func TestParseInvalidTransport(t *testing.T) {
	yamlConfig := `
proxy:
  listen: "127.0.0.1:9000"
  upstream: "10.0.0.1:4433"
transport:
  type: carrier-pigeon
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() should reject an unknown transport type")
	}
}

func TestParseEnvVarExpansion(t *testing.T) {
	os.Setenv("SECTUN_TEST_UPSTREAM", "192.168.1.50:4433")
	defer os.Unsetenv("SECTUN_TEST_UPSTREAM")

	yamlConfig := `
proxy:
  listen: "127.0.0.1:9000"
  upstream: "${SECTUN_TEST_UPSTREAM}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Proxy.Upstream != "192.168.1.50:4433" {
		t.Errorf("Proxy.Upstream = %s, want env-expanded value", cfg.Proxy.Upstream)
	}
}

func TestParseEnvVarDefault(t *testing.T) {
	os.Unsetenv("SECTUN_TEST_MISSING")

	yamlConfig := `
proxy:
  listen: "127.0.0.1:9000"
  upstream: "${SECTUN_TEST_MISSING:-fallback.example:4433}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Proxy.Upstream != "fallback.example:4433" {
		t.Errorf("Proxy.Upstream = %s, want fallback default", cfg.Proxy.Upstream)
	}
}

func TestValidateTLSListenerRequiresCert(t *testing.T) {
	cfg := Default()
	cfg.Proxy.ServerProxy = true
	cfg.Proxy.Listen = "0.0.0.0:9000"
	cfg.Proxy.Upstream = "10.0.0.1:22"
	cfg.Transport.Type = "tls"

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require transport.cert/key for a tls listener")
	}
}

func TestRedactedHidesKey(t *testing.T) {
	cfg := Default()
	cfg.Transport.Key = "super-secret-path-contents"

	redacted := cfg.Redacted()
	if redacted.Transport.Key == cfg.Transport.Key {
		t.Error("Redacted() did not redact transport.key")
	}
	if cfg.Transport.Key != "super-secret-path-contents" {
		t.Error("Redacted() mutated the original config")
	}
}

func TestLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sectun-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "sectun.yaml")
	content := "proxy:\n  listen: \"127.0.0.1:9000\"\n  upstream: \"10.0.0.1:4433\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.Upstream != "10.0.0.1:4433" {
		t.Errorf("Proxy.Upstream = %s, want 10.0.0.1:4433", cfg.Proxy.Upstream)
	}
}

func TestGenerateAndLoadKeyFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sectun-keyfile-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	kf, err := GenerateKeyFile()
	if err != nil {
		t.Fatalf("GenerateKeyFile() error = %v", err)
	}
	if len(kf.Key) != KeySize {
		t.Fatalf("generated key has %d bytes, want %d", len(kf.Key), KeySize)
	}

	path := filepath.Join(tmpDir, "sectun.key")
	if err := kf.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile() error = %v", err)
	}
	if string(loaded.Key) != string(kf.Key) {
		t.Error("LoadKeyFile() did not round-trip the key bytes")
	}
}

func TestLoadKeyFileRejectsWrongSize(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sectun-keyfile-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "bad.key")
	os.WriteFile(path, []byte("key: \"AAAA\"\n"), 0644)

	if _, err := LoadKeyFile(path); err == nil {
		t.Error("LoadKeyFile() should reject a key of the wrong size")
	}
}
