// Package config implements the runtime configuration store (C8): a
// typed record of the live-updatable settings, loaded through viper with
// defaults registered for every field before any source is read, and an
// on-disk JSON document overlay matching the "single document" persisted
// state of §3. Grounded on the teacher's LoadConfig/registerDefaults
// viper pattern, narrowed from the teacher's many deployment-profile
// sections to this system's actual configuration surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vitaliisemenov/llmproxy/internal/selector"
)

// Config is the full set of runtime-tunable fields (§3's "Runtime
// configuration" record) plus the startup-only fields that never change
// after process start (listen address, upstream base, storage path).
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Log      LogConfig      `mapstructure:"log"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
}

// ServerConfig holds the listen address for the C9 HTTP surface.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// StorageConfig points at the single embedded database file (C1).
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// UpstreamConfig names the fixed third-party inference endpoint.
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// LogConfig mirrors the teacher's logging section (pkg/logger wiring).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RuntimeConfig is exactly §3's "Runtime configuration" record: the
// fields a live update can change, persisted back to the on-disk JSON
// document on every mutation.
type RuntimeConfig struct {
	Strategy            selector.Strategy `mapstructure:"strategy" json:"strategy"`
	ProxyAPIToken        string            `mapstructure:"proxy_api_token" json:"proxy_api_token"`
	FreeModelAPIToken    string            `mapstructure:"free_model_api_token" json:"free_model_api_token"`
	RefreshIntervalMin   int               `mapstructure:"refresh_interval_minutes" json:"refresh_interval_minutes"`
	RPMLimit             int64             `mapstructure:"rpm_limit" json:"rpm_limit"`
	TPMLimit             int64             `mapstructure:"tpm_limit" json:"tpm_limit"`
	AdminUsername        string            `mapstructure:"admin_username" json:"admin_username"`
	AdminPassword        string            `mapstructure:"admin_password" json:"admin_password"`
}

// RefreshInterval converts the configured minute count to a Duration; 0
// means the refresh scheduler is disabled (§4.7).
func (r RuntimeConfig) RefreshInterval() time.Duration {
	return time.Duration(r.RefreshIntervalMin) * time.Minute
}

const envPrefix = "LLMPROXY"

// registerDefaults sets a default for every field before any source is
// read, the same discipline the teacher's registerDefaults follows.
func registerDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "1800s")
	v.SetDefault("server.graceful_shutdown_timeout", "30s")

	v.SetDefault("storage.path", "/data/llmproxy.db")

	v.SetDefault("upstream.base_url", "https://api.siliconflow.cn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("runtime.strategy", string(selector.StrategyRandom))
	v.SetDefault("runtime.proxy_api_token", "")
	v.SetDefault("runtime.free_model_api_token", "")
	v.SetDefault("runtime.refresh_interval_minutes", 60)
	v.SetDefault("runtime.rpm_limit", 0)
	v.SetDefault("runtime.tpm_limit", 0)
	v.SetDefault("runtime.admin_username", "admin")
	v.SetDefault("runtime.admin_password", "")
}

// Load reads configuration from, in ascending precedence: registered
// defaults, an optional YAML/JSON file at configPath, environment
// variables prefixed LLMPROXY_, then the persisted runtime document at
// documentPath (the §3 "single document" overlay, written back by every
// admin mutation — see Store.Save).
func Load(configPath, documentPath string) (*Config, error) {
	v := viper.New()
	registerDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if documentPath != "" {
		if err := overlayDocument(&cfg.Runtime, documentPath); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// overlayDocument merges a persisted RuntimeConfig document on top of
// whatever defaults/env/file already populated, matching §3's "persisted
// as a single document" note for the runtime-configuration record. A
// missing document is not an error — the process simply hasn't saved one yet.
func overlayDocument(rc *RuntimeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read document %s: %w", path, err)
	}
	persisted := *rc
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("config: parse document %s: %w", path, err)
	}
	*rc = persisted
	return nil
}
