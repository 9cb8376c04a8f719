// Package config provides configuration parsing and validation for sectun.
package config

import (
	"encoding/base64"
	"crypto/rand"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy configuration: which side of the tunnel
// this process runs, where it listens/dials, the pre-shared key, and the
// wire transport.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig covers process-wide concerns: logging and the pre-shared
// key file.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	KeyFile   string `yaml:"key_file"`   // path to the pre-shared key (see KeyFile)
}

// ProxyConfig defines which side of the tunnel this process is and where
// it connects.
type ProxyConfig struct {
	// ServerProxy selects the server-side role (spec.md §6's "Process
	// roles"): it listens for the peer proxy and dials the real upstream
	// server per incoming session. The default, false, is the
	// client-side role: it listens for local application connections and
	// dials the peer proxy per incoming connection.
	ServerProxy bool `yaml:"server_proxy"`

	// Listen is the local address this process accepts connections on.
	Listen string `yaml:"listen"`

	// Upstream is the address this process dials once a connection is
	// accepted: the peer proxy (client-side role) or the real
	// destination server (server-side role).
	Upstream string `yaml:"upstream"`

	// DialTimeout bounds the Upstream dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig selects the wire carrier for the peer-to-peer link and
// its TLS settings.
type TransportConfig struct {
	Type TransportType `yaml:"type"` // tcp, tls, ws, quic

	// TLS settings, used by the tls/ws/quic transports.
	Cert         string `yaml:"cert"`          // certificate file path
	Key          string `yaml:"key"`           // private key file path
	CA           string `yaml:"ca"`            // CA file for client verification
	StrictVerify bool   `yaml:"strict_verify"` // verify the peer's certificate

	// WebSocket-specific.
	Path      string `yaml:"path"`      // HTTP path the ws transport upgrades on
	PlainText bool   `yaml:"plaintext"` // allow ws without TLS (TLS terminated upstream)
}

// TransportType names a wire carrier; kept as a distinct string type so
// config YAML round-trips without importing internal/transport.
type TransportType string

// MetricsConfig configures the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config populated with the values `sectun run` falls
// back to when a field is left unset.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
			KeyFile:   "sectun.key",
		},
		Proxy: ProxyConfig{
			ServerProxy: false,
			DialTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			Type: "tcp",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references and merging onto Default() before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns, including ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Agent.KeyFile == "" {
		errs = append(errs, "agent.key_file is required")
	}

	if c.Proxy.Listen == "" {
		errs = append(errs, "proxy.listen is required")
	}
	if c.Proxy.Upstream == "" {
		errs = append(errs, "proxy.upstream is required")
	}
	if c.Proxy.DialTimeout <= 0 {
		errs = append(errs, "proxy.dial_timeout must be positive")
	}

	if !isValidTransport(string(c.Transport.Type)) {
		errs = append(errs, fmt.Sprintf("invalid transport.type: %s (must be tcp, tls, ws, or quic)", c.Transport.Type))
	}
	if err := c.validateTransportTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateTransportTLS rejects TLS-carrying transports missing the
// certificate material their role needs.
func (c *Config) validateTransportTLS() error {
	switch c.Transport.Type {
	case "tls", "quic":
		if !c.Proxy.ServerProxy && c.Transport.Cert == "" {
			return nil // client side can dial with no certificate at all
		}
		if c.Transport.Cert == "" || c.Transport.Key == "" {
			return fmt.Errorf("transport.cert and transport.key are required for the %s listener", c.Transport.Type)
		}
	case "ws":
		if c.Proxy.ServerProxy && c.Transport.Cert == "" && !c.Transport.PlainText {
			return fmt.Errorf("transport.cert/transport.key or transport.plaintext is required for the ws listener")
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "tls", "ws", "quic":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config, safe to log, with transport.key
// (the TLS private key path) replaced by a placeholder. agent.key_file is
// left intact.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	if redacted.Transport.Key != "" {
		redacted.Transport.Key = redactedValue
	}
	return redacted
}

// String returns a redacted YAML representation of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// KeySize is the pre-shared secretstream key length in bytes.
const KeySize = 32

// KeyFile is the YAML-encoded on-disk form of the pre-shared key. Key is
// written with yaml.v3's default encoding of a []byte field, a sequence of
// byte values, not a base64 scalar.
type KeyFile struct {
	Key []byte `yaml:"key"`
}

// GenerateKeyFile creates a new random pre-shared key.
func GenerateKeyFile() (*KeyFile, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyFile{Key: key}, nil
}

// LoadKeyFile reads and validates a pre-shared key from path.
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf KeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(kf.Key) != KeySize {
		return nil, fmt.Errorf("key file has %d-byte key, want %d", len(kf.Key), KeySize)
	}
	return &kf, nil
}

// Save writes the key file to path as YAML, with mode 0600.
func (kf *KeyFile) Save(path string) error {
	data, err := yaml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// EncodedKey returns the key as a base64 string, for display purposes.
func (kf *KeyFile) EncodedKey() string {
	return base64.StdEncoding.EncodeToString(kf.Key)
}
