// Package config loads syspmu settings from a YAML file, SYSPMU_*
// environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/napolitain/syspmu/dispatch"
)

// EnvPrefix prefixes environment overrides, e.g. SYSPMU_CPU=2.
const EnvPrefix = "SYSPMU"

const (
	BackendSim  = "sim"
	BackendPerf = "perf"

	FormatText       = "text"
	FormatStyled     = "styled"
	FormatPrometheus = "prometheus"
)

// Keys are the settings a file, the environment or a flag may set.
var Keys = []string{
	"cpu", "events", "privilege", "backend", "catalog", "counters",
	"duration", "format", "log.level", "log.development",
}

// Config is everything a measurement run needs.
type Config struct {
	// CPU is the processor to monitor.
	CPU int `mapstructure:"cpu"`

	// Events are catalog event names in request order.
	Events []string `mapstructure:"events"`

	// Privilege lists the levels counted, e.g. "kernel" or "0,3" (default: kernel)
	Privilege string `mapstructure:"privilege"`

	// Backend is "sim" or "perf" (default: sim)
	Backend string `mapstructure:"backend"`

	// Catalog is an event table file. Empty selects the backend's built-in table.
	Catalog string `mapstructure:"catalog"`

	// Counters sizes the generic table of the perf backend (default: 4)
	Counters int `mapstructure:"counters"`

	// Duration stops monitoring after a fixed time. Zero waits for Enter or
	// an interrupt.
	Duration time.Duration `mapstructure:"duration"`

	// Format is "text", "styled" or "prometheus" (default: text)
	Format string `mapstructure:"format"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	if c.Privilege == "" {
		c.Privilege = "kernel"
	}
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.Counters == 0 {
		c.Counters = 4
	}
	if c.Format == "" {
		c.Format = FormatText
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
}

// Validate checks field ranges. It does not check event names, which need a
// catalog.
func (c *Config) Validate() error {
	if c.CPU < 0 || c.CPU >= 64 {
		return fmt.Errorf("cpu must be in [0, 64), got %d", c.CPU)
	}
	if _, err := c.PrivilegeMask(); err != nil {
		return err
	}
	switch c.Backend {
	case BackendSim, BackendPerf:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendSim, BackendPerf)
	}
	if c.Counters <= 0 {
		return fmt.Errorf("counters must be positive, got %d", c.Counters)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration cannot be negative, got %v", c.Duration)
	}
	switch c.Format {
	case FormatText, FormatStyled, FormatPrometheus:
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	return nil
}

// PrivilegeMask parses Privilege.
func (c *Config) PrivilegeMask() (dispatch.PrivilegeMask, error) {
	return dispatch.ParsePrivilegeMask(c.Privilege)
}

// Load reads file (when set) and the environment into v, then decodes,
// defaults and validates the result. Flags must already be bound to v.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.Events = splitEvents(c.Events)
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// splitEvents accepts both repeated values and comma separated lists.
func splitEvents(in []string) []string {
	var out []string
	for _, e := range in {
		for _, name := range strings.Split(e, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
