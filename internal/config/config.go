package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete reposcope server configuration (v1 schema).
type Config struct {
	Version  int            `yaml:"version" mapstructure:"version"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Cache    CacheDirConfig `yaml:"cache" mapstructure:"cache"`
	Jobs     JobsConfig     `yaml:"jobs" mapstructure:"jobs"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
	Hotspots HotspotsConfig `yaml:"hotspots" mapstructure:"hotspots"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig contains process-level lifecycle settings.
type ServerConfig struct {
	ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs" mapstructure:"shutdownTimeoutMs"`
}

// DatabaseConfig contains sqlite connection settings for the Job Store.
type DatabaseConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	BusyTimeoutMs int    `yaml:"busyTimeoutMs" mapstructure:"busyTimeoutMs"`
	WALMode       bool   `yaml:"walMode" mapstructure:"walMode"`
}

// CacheDirConfig contains Repository Cache settings.
type CacheDirConfig struct {
	BaseDir string `yaml:"baseDir" mapstructure:"baseDir"`
}

// JobsConfig contains Worker Pool polling and recovery settings.
type JobsConfig struct {
	PollIntervalMs    int    `yaml:"pollIntervalMs" mapstructure:"pollIntervalMs"`
	StaleThresholdMin int    `yaml:"staleThresholdMin" mapstructure:"staleThresholdMin"`
	WorkerCount       int    `yaml:"workerCount" mapstructure:"workerCount"`
	SpoolDir          string `yaml:"spoolDir" mapstructure:"spoolDir"`
}

// ImportConfig contains Import Dependency Extractor settings.
type ImportConfig struct {
	Extensions       []string `yaml:"extensions" mapstructure:"extensions"`
	SkipDirs         []string `yaml:"skipDirs" mapstructure:"skipDirs"`
	MaxFileSizeBytes int      `yaml:"maxFileSizeBytes" mapstructure:"maxFileSizeBytes"`
}

// HistoryConfig contains History Miner settings.
type HistoryConfig struct {
	DefaultWindowDays int `yaml:"defaultWindowDays" mapstructure:"defaultWindowDays"`
}

// HotspotsConfig contains Churn Aggregator hotspot-ranking settings.
type HotspotsConfig struct {
	DefaultWindowWeeks int     `yaml:"defaultWindowWeeks" mapstructure:"defaultWindowWeeks"`
	DefaultThreshold   float64 `yaml:"defaultThreshold" mapstructure:"defaultThreshold"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	Level  string `yaml:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			ShutdownTimeoutMs: 10000,
		},
		Database: DatabaseConfig{
			Path:          ".reposcope/reposcope.db",
			BusyTimeoutMs: 5000,
			WALMode:       true,
		},
		Cache: CacheDirConfig{
			BaseDir: ".reposcope/repos",
		},
		Jobs: JobsConfig{
			PollIntervalMs:    5000,
			StaleThresholdMin: 30,
			WorkerCount:       2,
			SpoolDir:          ".reposcope/spool",
		},
		Import: ImportConfig{
			Extensions: []string{
				".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
				".py", ".java", ".kt", ".go", ".rs", ".cs",
				".cpp", ".cc", ".c", ".h", ".hpp", ".dart",
			},
			SkipDirs: []string{
				"node_modules", ".git", "dist", "build", ".cache",
				".next", "target", "__pycache__", ".gradle", "vendor",
			},
			MaxFileSizeBytes: 500000,
		},
		History: HistoryConfig{
			DefaultWindowDays: 90,
		},
		Hotspots: HotspotsConfig{
			DefaultWindowWeeks: 12,
			DefaultThreshold:   25.0,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when none is present, then overlays REPOSCOPE_<SECTION>_<FIELD> env vars.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(".reposcope", "config.yaml")
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			applyEnv(cfg)
			return cfg, nil
		}
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays REPOSCOPE_<SECTION>_<FIELD> environment variables onto
// the loaded config. Only scalar fields actually exercised by the CLI and
// worker pool are covered; nested slices stay file/default-driven.
func applyEnv(c *Config) {
	overlayString("REPOSCOPE_DATABASE_PATH", &c.Database.Path)
	overlayInt("REPOSCOPE_DATABASE_BUSYTIMEOUTMS", &c.Database.BusyTimeoutMs)
	overlayBool("REPOSCOPE_DATABASE_WALMODE", &c.Database.WALMode)
	overlayString("REPOSCOPE_CACHE_BASEDIR", &c.Cache.BaseDir)
	overlayInt("REPOSCOPE_JOBS_POLLINTERVALMS", &c.Jobs.PollIntervalMs)
	overlayInt("REPOSCOPE_JOBS_STALETHRESHOLDMIN", &c.Jobs.StaleThresholdMin)
	overlayInt("REPOSCOPE_JOBS_WORKERCOUNT", &c.Jobs.WorkerCount)
	overlayString("REPOSCOPE_JOBS_SPOOLDIR", &c.Jobs.SpoolDir)
	overlayInt("REPOSCOPE_HISTORY_DEFAULTWINDOWDAYS", &c.History.DefaultWindowDays)
	overlayInt("REPOSCOPE_HOTSPOTS_DEFAULTWINDOWWEEKS", &c.Hotspots.DefaultWindowWeeks)
	overlayFloat("REPOSCOPE_HOTSPOTS_DEFAULTTHRESHOLD", &c.Hotspots.DefaultThreshold)
	overlayString("REPOSCOPE_LOGGING_FORMAT", &c.Logging.Format)
	overlayString("REPOSCOPE_LOGGING_LEVEL", &c.Logging.Level)
}

func overlayString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overlayInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overlayBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

// configFileHeader is prepended to every file Save writes, so a freshly
// generated config.yaml documents itself instead of landing as a bare dump.
const configFileHeader = "# reposcope configuration (schema version 1)\n" +
	"# generated by `reposcope config init` - edit values, not the shape.\n\n"

// Save writes the configuration to path as commented YAML, matching the
// format LoadConfig reads back.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(configFileHeader), data...), 0644)
}

// Validate checks if the configuration is structurally sound.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Jobs.WorkerCount <= 0 {
		return &ConfigError{Field: "jobs.workerCount", Message: "must be positive"}
	}
	if c.Jobs.PollIntervalMs <= 0 {
		return &ConfigError{Field: "jobs.pollIntervalMs", Message: "must be positive"}
	}
	if len(c.Import.Extensions) == 0 {
		return &ConfigError{Field: "import.extensions", Message: "must not be empty"}
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
