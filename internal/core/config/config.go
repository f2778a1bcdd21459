package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/view"
)

// Config represents the top-level application config plus resolved
// definition-loading config.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Engine   EngineConfig   `koanf:"engine"`

	// Definitions is populated by Load after parsing definition files.
	Definitions DefinitionsConfig `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // memory | postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type EngineConfig struct {
	WorkerCount       int            `koanf:"worker_count"`
	TraversalMaxNodes int            `koanf:"traversal_max_nodes"`
	RefreshInterval   string         `koanf:"refresh_interval"`
	RollupsDir        string         `koanf:"rollups_dir"`
	ViewsDir          string         `koanf:"views_dir"`
	Series            []SeriesConfig `koanf:"series"`
}

// SeriesConfig declares one ordered series fed from record deltas.
type SeriesConfig struct {
	Name    string `koanf:"name"`
	Kind    string `koanf:"kind"`
	OrderBy string `koanf:"order_by"`
	Value   string `koanf:"value"`
}

// DefinitionsConfig carries the rollup and view definitions resolved
// from their YAML directories at load time.
type DefinitionsConfig struct {
	Rollups []rollup.Definition
	Views   []view.Definition
}

func (c EngineConfig) EffectiveRefreshInterval() (time.Duration, error) {
	if c.RefreshInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.RefreshInterval)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	switch c.Database.Type {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if c.Engine.WorkerCount <= 0 {
		return fmt.Errorf("engine.worker_count must be > 0")
	}
	if c.Engine.TraversalMaxNodes < 0 {
		return fmt.Errorf("engine.traversal_max_nodes must be >= 0")
	}
	interval, err := c.Engine.EffectiveRefreshInterval()
	if err != nil {
		return fmt.Errorf("invalid engine.refresh_interval %q: %w", c.Engine.RefreshInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("engine.refresh_interval must be > 0")
	}
	for i, s := range c.Engine.Series {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("engine.series[%d].name is required", i)
		}
		if !model.ValidKind(model.Kind(s.Kind)) {
			return fmt.Errorf("engine.series[%d].kind %q is not a record kind", i, s.Kind)
		}
		if strings.TrimSpace(s.OrderBy) == "" {
			return fmt.Errorf("engine.series[%d].order_by is required", i)
		}
		if strings.TrimSpace(s.Value) == "" {
			return fmt.Errorf("engine.series[%d].value is required", i)
		}
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and
// validates rollup and view definitions from their directories.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                8080,
		"server.host":                "0.0.0.0",
		"server.max_body_size_mb":    8,
		"server.mode":                "release",
		"database.type":              "memory",
		"database.dsn":               "",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    25,
		"database.auto_migrate":      true,
		"engine.worker_count":        8,
		"engine.traversal_max_nodes": 10000,
		"engine.refresh_interval":    "1m",
		"engine.rollups_dir":         "./config/rollups",
		"engine.views_dir":           "./config/views",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("VERITY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VERITY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rollups, err := rollup.LoadDefinitions(cfg.Engine.RollupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollup definitions: %w", err)
	}
	views, err := view.LoadDefinitions(cfg.Engine.ViewsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load view definitions: %w", err)
	}

	cfg.Definitions = DefinitionsConfig{
		Rollups: rollups,
		Views:   views,
	}

	return &cfg, nil
}
