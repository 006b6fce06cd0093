// Package config loads and validates the orchestrator configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/sentinel/internal/backup"
	"github.com/FairForge/sentinel/internal/coordinator"
	"github.com/FairForge/sentinel/internal/decision"
	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/notify"
	"github.com/FairForge/sentinel/internal/promote"
	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/replication"
	"github.com/FairForge/sentinel/internal/route"
	"github.com/FairForge/sentinel/internal/rto"
	"github.com/FairForge/sentinel/internal/store"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Coordinator coordinator.Config        `yaml:"coordinator"`
	Probes      health.ProbeConfig        `yaml:"probes"`
	Health      health.AggregatorConfig   `yaml:"health"`
	Replication replication.MonitorConfig `yaml:"replication"`
	Decision    decision.Config           `yaml:"decision"`
	Promotion   promote.Config            `yaml:"promotion"`
	Routing     route.Config              `yaml:"routing"`
	Objectives  rto.Objectives            `yaml:"objectives"`
	Backup      BackupConfig              `yaml:"backup"`
	Notify      NotifyConfig              `yaml:"notify"`
	Database    store.Config              `yaml:"database"`
	ControlAPI  ControlAPIConfig          `yaml:"control_api"`
	Regions     []RegionConfig            `yaml:"regions"`

	// Dependencies are critical dependent services probed alongside
	// the regions; their collective failure can trigger a failover.
	Dependencies []DependencyConfig `yaml:"dependencies"`
}

// DependencyConfig declares one critical dependent service.
type DependencyConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// ServerConfig holds the admin/status server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// ControlAPIConfig points at the database provider's control plane.
type ControlAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackupConfig bundles the verifier schedule with its S3 source.
type BackupConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Verify     backup.Config   `yaml:"verify"`
	S3         backup.S3Config `yaml:"s3"`
	ScratchDir string          `yaml:"scratch_dir"`
}

// NotifyConfig bundles delivery settings with the channel list.
type NotifyConfig struct {
	Delivery notify.Config    `yaml:"delivery"`
	Channels []notify.Channel `yaml:"channels"`
}

// RegionConfig is the static declaration of one region.
type RegionConfig struct {
	Name               string   `yaml:"name"`
	Role               string   `yaml:"role"`
	Endpoint           string   `yaml:"endpoint"`
	HealthEndpoints    []string `yaml:"health_endpoints"`
	DatabaseInstanceID string   `yaml:"database_instance_id"`
	Priority           int      `yaml:"priority"`
}

// RegionSet converts the static declarations into registry entries.
func (c *Config) RegionSet() []*region.Region {
	out := make([]*region.Region, 0, len(c.Regions))
	for _, rc := range c.Regions {
		out = append(out, &region.Region{
			Name:               rc.Name,
			Role:               region.Role(rc.Role),
			Endpoint:           rc.Endpoint,
			HealthEndpoints:    rc.HealthEndpoints,
			DatabaseInstanceID: rc.DatabaseInstanceID,
			Priority:           rc.Priority,
		})
	}
	return out
}

// Default returns a configuration with every component's defaults
// filled in. Regions must still be supplied.
func Default() *Config {
	return &Config{
		Server:      ServerConfig{Port: 8080, LogLevel: "info"},
		Coordinator: coordinator.DefaultConfig(),
		Probes:      health.DefaultProbeConfig(),
		Health:      health.DefaultAggregatorConfig(),
		Replication: replication.DefaultMonitorConfig(),
		Decision:    decision.DefaultConfig(),
		Promotion:   promote.DefaultConfig(),
		Routing:     route.DefaultConfig(),
		Objectives:  rto.TierDefaults(rto.TierCritical),
		Backup:      BackupConfig{Verify: backup.DefaultConfig(), ScratchDir: "/var/lib/sentinel/scratch"},
		Notify:      NotifyConfig{Delivery: notify.DefaultConfig()},
		ControlAPI:  ControlAPIConfig{Timeout: 10 * time.Second},
	}
}

// Load reads the YAML file, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Component configs carry yaml tags only; durations are written as
	// strings like "30s".
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump renders the effective configuration as YAML with secrets
// redacted, for startup logging and the status endpoint.
func (c *Config) Dump() (string, error) {
	clone := *c
	if clone.Database.Password != "" {
		clone.Database.Password = "[redacted]"
	}
	if clone.Backup.S3.SecretKey != "" {
		clone.Backup.S3.SecretKey = "[redacted]"
	}
	clone.Notify.Channels = make([]notify.Channel, len(c.Notify.Channels))
	copy(clone.Notify.Channels, c.Notify.Channels)
	for i := range clone.Notify.Channels {
		if clone.Notify.Channels[i].Secret != "" {
			clone.Notify.Channels[i].Secret = "[redacted]"
		}
	}

	out, err := yaml.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("config: dump: %w", err)
	}
	return string(out), nil
}

// Validate checks cross-field constraints the YAML schema cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}

	if len(c.Regions) < 2 {
		return errors.New("config: at least two regions required")
	}
	primaries, hot := 0, 0
	for _, rc := range c.Regions {
		if rc.Name == "" {
			return errors.New("config: region name required")
		}
		switch region.Role(rc.Role) {
		case region.RolePrimary:
			primaries++
		case region.RoleStandbyHot:
			hot++
		case region.RoleStandbyCold:
		default:
			return fmt.Errorf("config: region %s: unknown role %q", rc.Name, rc.Role)
		}
		if rc.Endpoint == "" {
			return fmt.Errorf("config: region %s: endpoint required", rc.Name)
		}
		if rc.DatabaseInstanceID == "" {
			return fmt.Errorf("config: region %s: database_instance_id required", rc.Name)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("config: exactly one primary region required, found %d", primaries)
	}
	if hot == 0 {
		return errors.New("config: at least one hot standby required")
	}

	if c.Health.DownDebounce <= c.Health.SuspectDebounce {
		return errors.New("config: health.down_debounce must exceed health.suspect_debounce")
	}
	if c.Health.DownThreshold >= c.Health.SuspectThreshold {
		return errors.New("config: health.down_threshold must be below health.suspect_threshold")
	}
	if c.Health.RecoverThreshold <= c.Health.SuspectThreshold {
		return errors.New("config: health.recover_threshold must exceed health.suspect_threshold")
	}

	if c.Decision.RPOBudget <= 0 {
		return errors.New("config: decision.rpo_budget must be positive")
	}
	if c.Decision.DependencyThreshold <= 0 {
		return errors.New("config: decision.dependency_threshold must be positive")
	}
	if c.Promotion.RPOBudget != c.Decision.RPOBudget {
		return fmt.Errorf("config: promotion.rpo_budget %s must match decision.rpo_budget %s",
			c.Promotion.RPOBudget, c.Decision.RPOBudget)
	}

	if err := c.Objectives.Validate(); err != nil {
		return err
	}

	if c.ControlAPI.BaseURL == "" {
		return errors.New("config: control_api.base_url required")
	}
	if len(c.Routing.RouterEndpoints) == 0 {
		return errors.New("config: routing.router_endpoints required")
	}
	if c.Routing.ServiceName == "" {
		return errors.New("config: routing.service_name required")
	}

	for i := range c.Notify.Channels {
		if err := c.Notify.Channels[i].Validate(); err != nil {
			return fmt.Errorf("config: channel %d: %w", i, err)
		}
	}

	if c.Backup.Enabled && c.Backup.S3.Bucket == "" {
		return errors.New("config: backup.s3.bucket required when backup verification is enabled")
	}

	for _, dep := range c.Dependencies {
		if dep.Name == "" || dep.Endpoint == "" {
			return errors.New("config: dependency entries require name and endpoint")
		}
	}
	return nil
}
