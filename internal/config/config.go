// Package config handles loading and validating glamd's settings file and
// credentials bundle. A key absent from the bundle disables only the
// capability that depends on it; it never aborts unrelated work.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level glamd.yaml configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Credentials  Credentials        `yaml:"credentials"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	HTTP         HTTPConfig         `yaml:"http"`
	Upstreams    map[string]string  `yaml:"upstreams"` // product id -> base URL
	Regions      map[string]string  `yaml:"regions"`    // region name -> region raster path
	Masks        map[string]string  `yaml:"masks"`      // mask name -> mask raster path ("nomask" has none)
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ObjectStoreConfig describes the S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Credentials is the bundle of upstream-provider secrets named in the
// external interfaces section: temp_user/temp_pass gate the temperature
// upstream, swi_user/swi_pass gate the soil-water upstream. Either pair may
// be empty, which disables only that product's probe and fetch.
type Credentials struct {
	TempUser string `yaml:"temp_user"`
	TempPass string `yaml:"temp_pass"`
	SwiUser  string `yaml:"swi_user"`
	SwiPass  string `yaml:"swi_pass"`
}

// HasTemperature reports whether temperature-family credentials are present.
func (c Credentials) HasTemperature() bool { return c.TempUser != "" && c.TempPass != "" }

// HasSoilWater reports whether soil-water credentials are present.
func (c Credentials) HasSoilWater() bool { return c.SwiUser != "" && c.SwiPass != "" }

// OrchestratorConfig tunes the concurrency ceiling and optional daemon mode.
type OrchestratorConfig struct {
	ProductConcurrency int    `yaml:"product_concurrency"`
	ZonalWorkers       int    `yaml:"zonal_workers"`
	DaemonCron         string `yaml:"daemon_cron"` // empty disables daemon mode
}

// HTTPConfig tunes the operator HTTP surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"` // empty disables auth on the operator surface
}

// DefaultConfig returns conservative defaults; every network credential is
// empty, so every capability that needs one starts disabled until configured.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			ProductConcurrency: 4,
			ZonalWorkers:       8,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8081",
		},
	}
}

// Load parses a glamd.yaml file, applies environment overrides for secrets,
// and validates it. An empty path returns defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets be supplied out-of-band instead of committed
// to the settings file. Env vars win over file values when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("GLAM_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("GLAM_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("GLAM_TEMP_USER"); v != "" {
		cfg.Credentials.TempUser = v
	}
	if v := os.Getenv("GLAM_TEMP_PASS"); v != "" {
		cfg.Credentials.TempPass = v
	}
	if v := os.Getenv("GLAM_SWI_USER"); v != "" {
		cfg.Credentials.SwiUser = v
	}
	if v := os.Getenv("GLAM_SWI_PASS"); v != "" {
		cfg.Credentials.SwiPass = v
	}
	if v := os.Getenv("GLAM_HTTP_API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}
}

// ResolvePath finds the config file path. Priority: GLAM_CONFIG env var >
// ./glamd.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("GLAM_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("glamd.yaml"); err == nil {
		return "glamd.yaml"
	}
	return ""
}

// validate checks the fields required regardless of which optional
// credentials are present.
func (c *Config) validate() error {
	if c.Orchestrator.ProductConcurrency <= 0 {
		return fmt.Errorf("orchestrator.product_concurrency must be positive")
	}
	if c.Orchestrator.ZonalWorkers <= 0 {
		return fmt.Errorf("orchestrator.zonal_workers must be positive")
	}
	return nil
}
