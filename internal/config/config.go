package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/clients/navigator"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/attachment"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
)

// EnvPrefix marks environment overrides: IMPEDANCE__INGEST__WORKERS=8 sets ingest.workers
const EnvPrefix = "IMPEDANCE__"

// Config represents the complete service configuration
type Config struct {
	Attachment  attachment.Thresholds `yaml:"attachment"`
	Rules       RulesConfig           `yaml:"rules"`
	Storage     StorageConfig         `yaml:"storage"`
	Ingest      IngestConfig          `yaml:"ingest"`
	Feeds       FeedsConfig           `yaml:"feeds"`
	Aggregation AggregationConfig     `yaml:"aggregation"`
	Sweep       SweepConfig           `yaml:"sweep"`
}

// RulesConfig points at impedance tables. Empty paths use the built-in tables.
type RulesConfig struct {
	AlertTable  string `yaml:"alert_table"`
	AgencyTable string `yaml:"agency_table"`
	FactorTable string `yaml:"factor_table"`
}

// StorageConfig holds the state and network database locations
type StorageConfig struct {
	// StatePath is the badger directory. Empty keeps state in memory.
	StatePath   string `yaml:"state_path"`
	NetworkPath string `yaml:"network_path"`
}

// IngestConfig sizes the ingestion worker pool
type IngestConfig struct {
	Workers       int `yaml:"workers"`
	QueueSize     int `yaml:"queue_size"`
	RetryAttempts int `yaml:"retry_attempts"`
}

// FeedsConfig holds feed endpoints and cadence
type FeedsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// Alert feed URL per dataset id (grid cell). A list rather than a map
	// because dataset ids contain the key delimiter.
	Alerts    []AlertFeed         `yaml:"alerts"`
	Navigator navigator.Endpoints `yaml:"navigator"`
	// Datasets the agency feed is partitioned into
	NavigatorDatasets []string `yaml:"navigator_datasets"`
}

// AlertFeed is the alert feed of one dataset
type AlertFeed struct {
	Dataset string `yaml:"dataset"`
	URL     string `yaml:"url"`
}

// AggregationConfig controls the periodic impedance recompute
type AggregationConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Directional      bool          `yaml:"directional"`
	IncludeCrossings bool          `yaml:"include_crossings"`
	// IncludeAgency also folds agency event attachments into impedance.
	// Only alert feed attachments count by default.
	IncludeAgency    bool          `yaml:"include_agency"`
	OutputDir        string        `yaml:"output_dir"`
}

// SweepConfig controls expiry of events that have dropped out of their feed
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	HoldTime time.Duration `yaml:"hold_time"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Attachment: attachment.DefaultThresholds(),
		Storage: StorageConfig{
			NetworkPath: "network.db",
		},
		Ingest: IngestConfig{
			Workers:       4,
			QueueSize:     64,
			RetryAttempts: 3,
		},
		Feeds: FeedsConfig{
			RefreshInterval: 2 * time.Minute,
		},
		Aggregation: AggregationConfig{
			Interval:  15 * time.Minute,
			OutputDir: "exports",
		},
		Sweep: SweepConfig{
			Interval: 5 * time.Minute,
			HoldTime: 30 * time.Minute,
		},
	}
}

// Load reads path (skipped when empty or missing), then IMPEDANCE__ environment
// variables, then overrides, on top of DefaultConfig.
func Load(path string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "failed to load config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to stat config file %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment overrides")
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, "failed to apply overrides")
		}
	}
	return FromKoanf(k, "")
}

// FromKoanf unmarshals the section at path over DefaultConfig and validates it
func FromKoanf(k *koanf.Koanf, path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf(path, cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IMPEDANCE__FEEDS__REFRESH_INTERVAL -> feeds.refresh_interval
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks values the services cannot run without
func (c *Config) Validate() error {
	if err := c.Attachment.Validate(); err != nil {
		return errors.Wrap(err, "attachment")
	}
	if c.Ingest.Workers < 1 {
		return errors.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.RetryAttempts < 1 {
		return errors.Errorf("ingest.retry_attempts must be at least 1, got %d", c.Ingest.RetryAttempts)
	}
	if c.Sweep.HoldTime <= 0 {
		return errors.New("sweep.hold_time must be positive")
	}
	for _, ds := range c.Datasets() {
		if _, err := grid.Parse(ds); err != nil {
			return errors.Wrapf(err, "dataset %q", ds)
		}
	}
	return nil
}

// Datasets lists every configured dataset id, sorted
func (c *Config) Datasets() []string {
	seen := make(map[string]bool)
	for _, f := range c.Feeds.Alerts {
		seen[f.Dataset] = true
	}
	for _, ds := range c.Feeds.NavigatorDatasets {
		seen[ds] = true
	}
	out := make([]string, 0, len(seen))
	for ds := range seen {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}

// AlertFeeds returns the alert feed URL per dataset
func (c *Config) AlertFeeds() map[string]string {
	out := make(map[string]string, len(c.Feeds.Alerts))
	for _, f := range c.Feeds.Alerts {
		out[f.Dataset] = f.URL
	}
	return out
}
