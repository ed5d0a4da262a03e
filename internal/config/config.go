// Package config decodes config.toml into the typed shape the rest of the
// system builds its routing table and listener from.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level decoded shape of config.toml.
type Config struct {
	Debug             bool   `toml:"debug"`
	IPAddr            string `toml:"ip_addr"`
	Port              int    `toml:"port"`
	ControlSocketPath string `toml:"control_socket_path"`
	Apps              []App  `toml:"apps"`

	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`
	Redis   RedisConfig   `toml:"redis"`
}

// App is one virtual application: a destination IP clients dial, and the
// upstream targets traffic for it is balanced across.
type App struct {
	UUID    string      `toml:"uuid"`
	IPAddr  string      `toml:"ip_addr"`
	Targets []AppTarget `toml:"targets"`
}

// AppTarget is a single weighted upstream.
type AppTarget struct {
	IPAddr string `toml:"ip_addr"`
	Weight uint8  `toml:"weight"`
}

type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

type TracingConfig struct {
	JaegerEndpoint string `toml:"jaeger_endpoint"`
}

type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// Load reads and decodes path, applies defaults and environment overrides,
// and validates the §3 invariants (unique app IPs, non-empty target lists).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	applyDefaults(cfg)
	if !md.IsDefined("metrics", "enabled") {
		cfg.Metrics.Enabled = true
	}
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.IPAddr == "" {
		cfg.IPAddr = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = "/run/vipgate/control.sock"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "vipgate:"
	}
	if os.Getenv("ENV") == "development" {
		cfg.Debug = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_IP_ADDR"); v != "" {
		cfg.IPAddr = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Port)
	}
	if v := os.Getenv("CONTROL_SOCKET_PATH"); v != "" {
		cfg.ControlSocketPath = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Redis.DB)
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		cfg.Redis.KeyPrefix = v
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Apps))
	for _, app := range cfg.Apps {
		if app.IPAddr == "" {
			return fmt.Errorf("app %q: ip_addr is required", app.UUID)
		}
		if _, dup := seen[app.IPAddr]; dup {
			return fmt.Errorf("app %q: duplicate virtual ip %s", app.UUID, app.IPAddr)
		}
		seen[app.IPAddr] = struct{}{}

		if len(app.Targets) == 0 {
			return fmt.Errorf("app %q (%s): NoTargets, at least one target is required", app.UUID, app.IPAddr)
		}
	}
	return nil
}

// ShutdownTimeout bounds how long tracing.Shutdown is given to flush pending
// spans at exit; it is not part of the proxy drain contract itself
// (spec.md §5: no timeouts on proxy connections).
const ShutdownTimeout = 10 * time.Second
