// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/domain/quota"
)

// Config is the root configuration structure.
type Config struct {
	Engine   EngineConfig    `yaml:"engine"`
	Database DatabaseConfig  `yaml:"database"`
	Cache    CacheConfig     `yaml:"cache"`
	Features []FeatureConfig `yaml:"features"`
	Plans    []PlanConfig    `yaml:"plans"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// EngineConfig configures quota enforcement and usage recording.
type EngineConfig struct {
	SoftLimitEnabled bool `yaml:"soft_limit_enabled"`

	// GracePercentage extends the effective ceiling by limit*pct/100 when
	// soft limits are enabled.
	GracePercentage float64 `yaml:"grace_percentage"`

	// WarningThresholds are percentages of the limit (e.g. 80, 90, 100).
	WarningThresholds []float64 `yaml:"warning_thresholds"`

	// AggregateSamePeriod collapses same-period sum/count records into one
	// accumulating ledger row.
	AggregateSamePeriod bool `yaml:"aggregate_same_period"`

	// WeekStart is the first day of the week for weekly periods:
	// "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start"`

	// ConditionalIncrement uses the store's atomic increment-if-within
	// primitive during enforcement.
	ConditionalIncrement bool `yaml:"conditional_increment"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// CacheConfig configures the advisory lookup cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// FeatureConfig declares one metered feature.
type FeatureConfig struct {
	Slug        string `yaml:"slug"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // "boolean", "limit", "quota"
	Unit        string `yaml:"unit"`
	ResetPeriod string `yaml:"reset_period"` // "", "hourly", "daily", "weekly", "monthly", "yearly"
	Aggregation string `yaml:"aggregation"`  // "sum", "count", "max", "last"
	MeterRef    string `yaml:"meter_ref"`
}

// PlanConfig declares one subscription plan.
type PlanConfig struct {
	ID       string                 `yaml:"id"`
	Name     string                 `yaml:"name"`
	Features map[string]GrantConfig `yaml:"features"`
}

// GrantConfig is a plan's entitlement for one feature. Unlimited wins over
// Limit when both are set.
type GrantConfig struct {
	Unlimited bool   `yaml:"unlimited"`
	Limit     string `yaml:"limit"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies PLANMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PLANMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("PLANMETER_SOFT_LIMIT_ENABLED"); v != "" {
		cfg.Engine.SoftLimitEnabled = parseBool(v)
	}
	if v := os.Getenv("PLANMETER_GRACE_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.GracePercentage = f
		}
	}
	if v := os.Getenv("PLANMETER_WEEK_START"); v != "" {
		cfg.Engine.WeekStart = v
	}

	if v := os.Getenv("PLANMETER_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("PLANMETER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}

	if v := os.Getenv("PLANMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PLANMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("PLANMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("PLANMETER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// setDefaults fills unset fields. Grace gets no default: zero means a hard
// cutoff at the nominal limit, and an explicit zero must survive loading.
func setDefaults(cfg *Config) {
	if len(cfg.Engine.WarningThresholds) == 0 {
		cfg.Engine.WarningThresholds = []float64{80, 90, 100}
	}
	if cfg.Engine.WeekStart == "" {
		cfg.Engine.WeekStart = "monday"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "planmeter.db"
	}

	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 1024
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	if cfg.Engine.GracePercentage < 0 {
		return fmt.Errorf("engine.grace_percentage must not be negative")
	}
	for _, th := range cfg.Engine.WarningThresholds {
		if th <= 0 {
			return fmt.Errorf("engine.warning_thresholds must be positive, got %v", th)
		}
	}
	if _, err := parseWeekStart(cfg.Engine.WeekStart); err != nil {
		return err
	}

	if _, err := cfg.FeatureCatalog(); err != nil {
		return err
	}
	if _, err := cfg.PlanCatalog(); err != nil {
		return err
	}

	return nil
}

func parseWeekStart(v string) (time.Weekday, error) {
	switch strings.ToLower(v) {
	case "", "monday":
		return time.Monday, nil
	case "sunday":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("engine.week_start must be 'monday' or 'sunday', got %q", v)
	}
}

// -----------------------------------------------------------------------------
// Conversion to domain types
// -----------------------------------------------------------------------------

// Policy returns the enforcement policy declared by the engine section.
func (c *Config) Policy() quota.Policy {
	return quota.Policy{
		SoftLimitEnabled:  c.Engine.SoftLimitEnabled,
		GracePercentage:   c.Engine.GracePercentage,
		WarningThresholds: c.Engine.WarningThresholds,
	}
}

// WeekStartDay returns the configured first day of the week.
func (c *Config) WeekStartDay() time.Weekday {
	d, _ := parseWeekStart(c.Engine.WeekStart)
	return d
}

// FeatureCatalog converts the declared features to domain features,
// validating each.
func (c *Config) FeatureCatalog() ([]feature.Feature, error) {
	out := make([]feature.Feature, 0, len(c.Features))
	for i, fc := range c.Features {
		f := feature.Feature{
			Slug:        fc.Slug,
			Name:        fc.Name,
			Type:        feature.Type(fc.Type),
			Unit:        fc.Unit,
			ResetPeriod: resetPeriodOf(fc.ResetPeriod),
			Aggregation: aggregationOf(fc.Aggregation),
			MeterRef:    fc.MeterRef,
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("features[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// PlanCatalog converts the declared plans to domain plans. Grant limits are
// parsed as decimals; a grant with neither unlimited nor a limit gets zero,
// which grants the feature but admits nothing.
func (c *Config) PlanCatalog() ([]plan.Plan, error) {
	out := make([]plan.Plan, 0, len(c.Plans))
	for i, pc := range c.Plans {
		if pc.ID == "" {
			return nil, fmt.Errorf("plans[%d].id is required", i)
		}
		p := plan.Plan{
			ID:       pc.ID,
			Name:     pc.Name,
			Features: make(map[string]plan.Grant, len(pc.Features)),
		}
		for slug, gc := range pc.Features {
			g := plan.Grant{Unlimited: gc.Unlimited}
			if !gc.Unlimited && gc.Limit != "" {
				limit, err := decimal.NewFromString(gc.Limit)
				if err != nil {
					return nil, fmt.Errorf("plans[%d].features[%s].limit: %w", i, slug, err)
				}
				g.Limit = limit
			}
			p.Features[slug] = g
		}
		out = append(out, p)
	}
	return out, nil
}

func resetPeriodOf(v string) period.Period {
	switch strings.ToLower(v) {
	case "hourly":
		return period.Hourly
	case "daily":
		return period.Daily
	case "weekly":
		return period.Weekly
	case "monthly":
		return period.Monthly
	case "yearly":
		return period.Yearly
	default:
		return period.None
	}
}

func aggregationOf(v string) feature.Aggregation {
	switch strings.ToLower(v) {
	case "count":
		return feature.AggregateCount
	case "max":
		return feature.AggregateMax
	case "last":
		return feature.AggregateLast
	default:
		return feature.AggregateSum
	}
}
