package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the engine and daemon.
// Zero values mean "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ShardDir  string `json:"shard_dir" yaml:"shard_dir" toml:"shard_dir"`

	// AdaptiveMode selects the degradation policy: performance|balanced|memory_saving.
	AdaptiveMode string `json:"adaptive_mode" yaml:"adaptive_mode" toml:"adaptive_mode"`
	// MonitorIntervalSec is the degradation monitor poll interval in seconds.
	MonitorIntervalSec int `json:"monitor_interval_sec" yaml:"monitor_interval_sec" toml:"monitor_interval_sec"`
	// ProfileRefreshSec is how often the cached hardware profile is refreshed.
	ProfileRefreshSec int `json:"profile_refresh_sec" yaml:"profile_refresh_sec" toml:"profile_refresh_sec"`

	// ShardStrategy forces a sharding strategy; empty means auto-select.
	ShardStrategy string `json:"shard_strategy" yaml:"shard_strategy" toml:"shard_strategy"`
	// StrategyOverrides maps a model name to a fixed strategy name.
	StrategyOverrides map[string]string `json:"strategy_overrides" yaml:"strategy_overrides" toml:"strategy_overrides"`

	// DefaultLanguage is the initially active language hint (zh|en).
	DefaultLanguage string `json:"default_language" yaml:"default_language" toml:"default_language"`
}

// MonitorInterval returns the configured poll interval, or d when unset.
func (c Config) MonitorInterval(d time.Duration) time.Duration {
	if c.MonitorIntervalSec <= 0 {
		return d
	}
	return time.Duration(c.MonitorIntervalSec) * time.Second
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
