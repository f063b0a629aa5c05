// Package config handles loading and validating vigil configuration.
// Supports YAML config files, a project .env file, and VIGIL_* environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/marcus/vigil/internal/workitem"
)

// File names and environment.
const (
	ProjectConfigName = "vigil.yaml"
	DefaultManifest   = "vigil.manifest.yaml"
	EnvPrefix         = "VIGIL"
)

// Default values.
const (
	DefaultMaxConcurrent     = 4
	DefaultTaskTimeout       = "5m"
	DefaultRetryDelay        = "2s"
	DefaultGracePeriod       = "5s"
	DefaultMaxQueueDepth     = 256
	DefaultHookConcurrency   = 4
	DefaultHookTimeout       = "60s"
	DefaultHookRetryDelay    = "1s"
	DefaultDemotionCooldown  = "10m"
	DefaultSnapshotInterval  = "30s"
	DefaultMaxResults        = 1000
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRetentionDays     = 7
	DefaultWatchDebounce     = "500ms"
	DefaultTelemetryInterval = "1m"
)

var (
	ErrCronAndInterval    = errors.New("schedule.cron and schedule.interval are mutually exclusive")
	ErrInvalidLogLevel    = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat   = errors.New("logging.format must be one of: json, text")
	ErrInvalidDuration    = errors.New("invalid duration")
	ErrInvalidTier        = errors.New("invalid priority tier")
	ErrInvalidConcurrency = errors.New("concurrency limits must not be negative")
	ErrInvalidRetries     = errors.New("retry counts must not be negative")
	ErrInvalidRetention   = errors.New("storage.max_results must not be negative")
	ErrWatchWithoutPaths  = errors.New("watch.tasks requires watch.paths")
	ErrNoConfigFile       = errors.New("no config file to watch")
)

// Config holds all vigil configuration.
type Config struct {
	Enabled   bool            `mapstructure:"enabled"`
	Manifest  string          `mapstructure:"manifest"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	Scheduler QueueConfig     `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	projectDir string
}

// TasksConfig bounds task execution.
type TasksConfig struct {
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
	DefaultTimeout string `mapstructure:"default_timeout"`
	Retries        int    `mapstructure:"retries"`
	RetryDelay     string `mapstructure:"retry_delay"`
	GracePeriod    string `mapstructure:"grace_period"`
	MaxQueueDepth  int    `mapstructure:"max_queue_depth"`
}

// HooksConfig controls hook tiers and their failure policy.
type HooksConfig struct {
	MaxConcurrent     int      `mapstructure:"max_concurrent"`
	ContinueOnFailure bool     `mapstructure:"continue_on_failure"`
	BlockingTiers     []string `mapstructure:"blocking_tiers"`
	DefaultTimeout    string   `mapstructure:"default_timeout"`
	Retries           int      `mapstructure:"retries"`
	RetryDelay        string   `mapstructure:"retry_delay"`
}

// QueueConfig tunes the priority queue.
type QueueConfig struct {
	DemoteAfterFailures int    `mapstructure:"demote_after_failures"` // 0 disables
	DemotionCooldown    string `mapstructure:"demotion_cooldown"`
	StaleAfter          string `mapstructure:"stale_after"` // empty disables
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	ResultsDir       string `mapstructure:"results_dir"`
	SnapshotPath     string `mapstructure:"snapshot_path"`
	DBPath           string `mapstructure:"db_path"`
	SnapshotInterval string `mapstructure:"snapshot_interval"`
	MaxResults       int    `mapstructure:"max_results"` // 0 keeps everything
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ScheduleConfig triggers runs from the daemon.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval string        `mapstructure:"interval"`
	Window   *WindowConfig `mapstructure:"window"`
	Tasks    []string      `mapstructure:"tasks"` // empty means every manifest task
}

// WindowConfig restricts scheduled runs to a time-of-day range.
type WindowConfig struct {
	Start    string `mapstructure:"start"`    // "22:00"
	End      string `mapstructure:"end"`      // "06:00"
	Timezone string `mapstructure:"timezone"` // IANA name, default local
}

// WatchConfig triggers runs on file changes.
type WatchConfig struct {
	Paths    []string `mapstructure:"paths"`
	Ignore   []string `mapstructure:"ignore"` // glob patterns matched against base names
	Debounce string   `mapstructure:"debounce"`
	Tasks    []string `mapstructure:"tasks"`
}

// TelemetryConfig enables OpenTelemetry metrics export.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// GlobalConfigPath returns the per-user config file path.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vigil", "config.yaml")
}

// DataDir returns the default directory for persisted state.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "vigil")
}

// ProjectConfigPath returns the project config file inside dir.
func ProjectConfigPath(dir string) string {
	return filepath.Join(dir, ProjectConfigName)
}

// Load reads configuration for the current working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return LoadFromPaths(cwd, GlobalConfigPath())
}

// LoadFromPaths merges the global config with projectDir's vigil.yaml
// (project wins), then applies .env and VIGIL_* environment overrides.
// Missing files are not an error.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	if err := loadDotEnv(projectDir); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if globalPath != "" && fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read global config %s: %w", globalPath, err)
		}
	}
	if projectDir != "" {
		if p := ProjectConfigPath(projectDir); fileExists(p) {
			v.SetConfigFile(p)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read project config %s: %w", p, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.projectDir = projectDir
	cfg.resolvePaths()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads projectDir/.env without overriding variables already set.
func loadDotEnv(projectDir string) error {
	if projectDir == "" {
		return nil
	}
	path := filepath.Join(projectDir, ".env")
	if !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	data := DataDir()
	v.SetDefault("enabled", true)
	v.SetDefault("manifest", DefaultManifest)

	v.SetDefault("tasks.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("tasks.default_timeout", DefaultTaskTimeout)
	v.SetDefault("tasks.retries", 0)
	v.SetDefault("tasks.retry_delay", DefaultRetryDelay)
	v.SetDefault("tasks.grace_period", DefaultGracePeriod)
	v.SetDefault("tasks.max_queue_depth", DefaultMaxQueueDepth)

	v.SetDefault("hooks.max_concurrent", DefaultHookConcurrency)
	v.SetDefault("hooks.continue_on_failure", false)
	v.SetDefault("hooks.blocking_tiers", []string{"critical", "high"})
	v.SetDefault("hooks.default_timeout", DefaultHookTimeout)
	v.SetDefault("hooks.retries", 0)
	v.SetDefault("hooks.retry_delay", DefaultHookRetryDelay)

	v.SetDefault("scheduler.demote_after_failures", 0)
	v.SetDefault("scheduler.demotion_cooldown", DefaultDemotionCooldown)
	v.SetDefault("scheduler.stale_after", "")

	v.SetDefault("storage.results_dir", filepath.Join(data, "results"))
	v.SetDefault("storage.snapshot_path", filepath.Join(data, "snapshot.json"))
	v.SetDefault("storage.db_path", filepath.Join(data, "vigil.db"))
	v.SetDefault("storage.snapshot_interval", DefaultSnapshotInterval)
	v.SetDefault("storage.max_results", DefaultMaxResults)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.path", filepath.Join(data, "logs"))
	v.SetDefault("logging.retention_days", DefaultRetentionDays)

	v.SetDefault("schedule.cron", "")
	v.SetDefault("schedule.interval", "")

	v.SetDefault("watch.paths", []string{})
	v.SetDefault("watch.debounce", DefaultWatchDebounce)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.interval", DefaultTelemetryInterval)
}

// resolvePaths expands ~ and anchors the manifest to the project directory.
func (c *Config) resolvePaths() {
	c.Storage.ResultsDir = expandPath(c.Storage.ResultsDir)
	c.Storage.SnapshotPath = expandPath(c.Storage.SnapshotPath)
	c.Storage.DBPath = expandPath(c.Storage.DBPath)
	c.Logging.Path = expandPath(c.Logging.Path)
	c.Manifest = expandPath(c.Manifest)
	if c.Manifest != "" && !filepath.IsAbs(c.Manifest) && c.projectDir != "" {
		c.Manifest = filepath.Join(c.projectDir, c.Manifest)
	}
	for i, p := range c.Watch.Paths {
		p = expandPath(p)
		if !filepath.IsAbs(p) && c.projectDir != "" {
			p = filepath.Join(c.projectDir, p)
		}
		c.Watch.Paths[i] = p
	}
}

// ProjectDir returns the directory the config was loaded for.
func (c *Config) ProjectDir() string { return c.projectDir }

// Validate checks configuration for invalid combinations and values.
// Empty and zero fields are allowed and mean "use the default".
func Validate(cfg *Config) error {
	if cfg.Schedule.Cron != "" && cfg.Schedule.Interval != "" {
		return ErrCronAndInterval
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	if cfg.Tasks.MaxConcurrent < 0 || cfg.Hooks.MaxConcurrent < 0 || cfg.Tasks.MaxQueueDepth < 0 {
		return ErrInvalidConcurrency
	}
	if cfg.Tasks.Retries < 0 || cfg.Hooks.Retries < 0 || cfg.Scheduler.DemoteAfterFailures < 0 {
		return ErrInvalidRetries
	}
	if cfg.Storage.MaxResults < 0 {
		return ErrInvalidRetention
	}

	durations := []struct{ key, value string }{
		{"tasks.default_timeout", cfg.Tasks.DefaultTimeout},
		{"tasks.retry_delay", cfg.Tasks.RetryDelay},
		{"tasks.grace_period", cfg.Tasks.GracePeriod},
		{"hooks.default_timeout", cfg.Hooks.DefaultTimeout},
		{"hooks.retry_delay", cfg.Hooks.RetryDelay},
		{"scheduler.demotion_cooldown", cfg.Scheduler.DemotionCooldown},
		{"scheduler.stale_after", cfg.Scheduler.StaleAfter},
		{"storage.snapshot_interval", cfg.Storage.SnapshotInterval},
		{"schedule.interval", cfg.Schedule.Interval},
		{"watch.debounce", cfg.Watch.Debounce},
		{"telemetry.interval", cfg.Telemetry.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.value); err != nil || dur < 0 {
			return fmt.Errorf("%w: %s %q", ErrInvalidDuration, d.key, d.value)
		}
	}

	for i, tier := range cfg.Hooks.BlockingTiers {
		p, err := workitem.ParsePriority(tier)
		if err != nil || tier == "" || !p.Valid() {
			return fmt.Errorf("%w: hooks.blocking_tiers[%d] %q", ErrInvalidTier, i, tier)
		}
	}

	if len(cfg.Watch.Tasks) > 0 && len(cfg.Watch.Paths) == 0 {
		return ErrWatchWithoutPaths
	}
	return nil
}

func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// TaskTimeout returns tasks.default_timeout.
func (c *Config) TaskTimeout() time.Duration {
	return duration(c.Tasks.DefaultTimeout, mustDuration(DefaultTaskTimeout))
}

// TaskRetryDelay returns tasks.retry_delay.
func (c *Config) TaskRetryDelay() time.Duration {
	return duration(c.Tasks.RetryDelay, mustDuration(DefaultRetryDelay))
}

// GracePeriod returns tasks.grace_period.
func (c *Config) GracePeriod() time.Duration {
	return duration(c.Tasks.GracePeriod, mustDuration(DefaultGracePeriod))
}

// HookTimeout returns hooks.default_timeout.
func (c *Config) HookTimeout() time.Duration {
	return duration(c.Hooks.DefaultTimeout, mustDuration(DefaultHookTimeout))
}

// HookRetryDelay returns hooks.retry_delay.
func (c *Config) HookRetryDelay() time.Duration {
	return duration(c.Hooks.RetryDelay, mustDuration(DefaultHookRetryDelay))
}

// DemotionCooldown returns scheduler.demotion_cooldown.
func (c *Config) DemotionCooldown() time.Duration {
	return duration(c.Scheduler.DemotionCooldown, mustDuration(DefaultDemotionCooldown))
}

// StaleAfter returns scheduler.stale_after, zero when promotion is off.
func (c *Config) StaleAfter() time.Duration {
	return duration(c.Scheduler.StaleAfter, 0)
}

// SnapshotInterval returns storage.snapshot_interval.
func (c *Config) SnapshotInterval() time.Duration {
	return duration(c.Storage.SnapshotInterval, mustDuration(DefaultSnapshotInterval))
}

// WatchDebounce returns watch.debounce.
func (c *Config) WatchDebounce() time.Duration {
	return duration(c.Watch.Debounce, mustDuration(DefaultWatchDebounce))
}

// TelemetryInterval returns telemetry.interval.
func (c *Config) TelemetryInterval() time.Duration {
	return duration(c.Telemetry.Interval, mustDuration(DefaultTelemetryInterval))
}

// BlockingTiers parses hooks.blocking_tiers.
func (c *Config) BlockingTiers() []workitem.Priority {
	out := make([]workitem.Priority, 0, len(c.Hooks.BlockingTiers))
	for _, t := range c.Hooks.BlockingTiers {
		if p, err := workitem.ParsePriority(t); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Watch reloads configuration whenever the project config file (or the
// global file when the project has none) changes. Only configurations that
// pass Validate reach onChange; failures go to onError.
func Watch(projectDir, globalPath string, onChange func(*Config), onError func(error)) error {
	path := ProjectConfigPath(projectDir)
	if !fileExists(path) {
		path = globalPath
	}
	if path == "" || !fileExists(path) {
		return ErrNoConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadFromPaths(projectDir, globalPath)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
