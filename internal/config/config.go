// File: internal/config/config.go
package config

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Replay() ReplayConfig

	// Replay Setters
	SetReplayFollow(bool)
	SetReplayPersist(bool)
	SetReplayOutputDir(string)
	SetReplayConcurrency(int)
	SetReplaySite(string)
}

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter methods.
type Config struct {
	logger   LoggerConfig
	database DatabaseConfig
	engine   EngineConfig
	replay   ReplayConfig
}

// fileConfig is the shape viper decodes into; mapstructure cannot set the
// unexported fields of Config directly.
type fileConfig struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Replay   ReplayConfig   `mapstructure:"replay" yaml:"replay"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.logger }
func (c *Config) Database() DatabaseConfig { return c.database }
func (c *Config) Engine() EngineConfig     { return c.engine }
func (c *Config) Replay() ReplayConfig     { return c.replay }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetReplayFollow(b bool)      { c.replay.Follow = b }
func (c *Config) SetReplayPersist(b bool)     { c.replay.Persist = b }
func (c *Config) SetReplayOutputDir(d string) { c.replay.OutputDir = d }
func (c *Config) SetReplayConcurrency(n int)  { c.replay.Concurrency = n }
func (c *Config) SetReplaySite(site string)   { c.replay.Site = site }

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig points at the PostgreSQL instance that stores snapshots.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig tunes a single taint engine instance.
type EngineConfig struct {
	// SweepInterval is the number of callbacks between automatic liveness sweeps.
	// Zero disables automatic sweeping.
	SweepInterval int `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// MaxStackDepth bounds activation nesting.
	MaxStackDepth int `mapstructure:"max_stack_depth" yaml:"max_stack_depth"`
}

// ReplayConfig controls the trace replay command.
type ReplayConfig struct {
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
	Follow      bool   `mapstructure:"follow" yaml:"follow"`
	OutputDir   string `mapstructure:"output_dir" yaml:"output_dir"`
	Persist     bool   `mapstructure:"persist" yaml:"persist"`
	// Site labels the run in its logfile.
	Site        string `mapstructure:"site" yaml:"site"`
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-taint")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.sweep_interval", 10000)
	v.SetDefault("engine.max_stack_depth", 4096)

	// -- Replay --
	v.SetDefault("replay.concurrency", 4)
	v.SetDefault("replay.follow", false)
	v.SetDefault("replay.output_dir", ".")
	v.SetDefault("replay.persist", false)
	v.SetDefault("replay.site", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "SCALPEL_TAINT_DATABASE_URL")

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Paths may be written relative to the user's home directory.
	for _, p := range []*string{&raw.Logger.LogFile, &raw.Replay.OutputDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}

	return &Config{
		logger:   raw.Logger,
		database: raw.Database,
		engine:   raw.Engine,
		replay:   raw.Replay,
	}, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.engine.SweepInterval < 0 {
		return fmt.Errorf("engine.sweep_interval must not be negative")
	}
	if c.engine.MaxStackDepth <= 0 {
		return fmt.Errorf("engine.max_stack_depth must be a positive integer")
	}
	if c.replay.Concurrency <= 0 {
		return fmt.Errorf("replay.concurrency must be a positive integer")
	}
	if c.replay.Persist && c.database.URL == "" {
		return fmt.Errorf("database.url is required when replay.persist is enabled")
	}
	return nil
}
