// Package config builds the process-wide configuration snapshot by
// layering schema defaults, the JSON config file, and environment
// variables. The snapshot is immutable after Load; the save/reset API
// mutates the config-file layer only.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ConfigDirName is the directory under $HOME holding all delegate state.
	ConfigDirName = ".delegate"
	// ConfigFileName is the JSON config file inside the config directory.
	ConfigFileName = "config.json"
	// DatabaseFileName is the default SQLite file inside the config directory.
	DatabaseFileName = "tasks.db"
)

// Config is the merged, validated snapshot. Fields mirror the JSON/env
// surface: durations are stored as integer milliseconds and sizes as
// bytes, as named by the schema; the duration accessors below convert
// to time.Duration.
type Config struct {
	TaskTimeoutMs             int64  `json:"taskTimeoutMs"`
	MaxOutputBuffer           int64  `json:"maxOutputBuffer"`
	CPUCoresReserved          int    `json:"cpuCoresReserved"`
	MemoryReserve             int64  `json:"memoryReserve"`
	MaxCPUPercent             float64 `json:"maxCpuPercent"`
	LogLevel                  string `json:"logLevel"`
	MaxListenersPerEvent      int    `json:"maxListenersPerEvent"`
	MaxTotalSubscriptions     int    `json:"maxTotalSubscriptions"`
	KillGracePeriodMs         int64  `json:"killGracePeriodMs"`
	ResourceMonitorIntervalMs int64  `json:"resourceMonitorIntervalMs"`
	MinSpawnDelayMs           int64  `json:"minSpawnDelayMs"`
	SettlingWindowMs          int64  `json:"settlingWindowMs"`
	EventRequestTimeoutMs     int64  `json:"eventRequestTimeoutMs"`
	EventCleanupIntervalMs    int64  `json:"eventCleanupIntervalMs"`
	FileStorageThresholdBytes int64  `json:"fileStorageThresholdBytes"`
	RetryInitialDelayMs       int64  `json:"retryInitialDelayMs"`
	RetryMaxDelayMs           int64  `json:"retryMaxDelayMs"`
	TaskRetentionDays         int    `json:"taskRetentionDays"`
	MaxQueueSize              int    `json:"maxQueueSize"`
	SchedulerCheckIntervalMs  int64  `json:"schedulerCheckIntervalMs"`
	MissedRunGracePeriodMs    int64  `json:"missedRunGracePeriodMs"`
	DatabasePath              string `json:"databasePath"`
}

// Defaults returns the schema-default layer.
func Defaults() Config {
	return Config{
		TaskTimeoutMs:             5 * 60 * 1000,
		MaxOutputBuffer:           10 * 1024 * 1024,
		CPUCoresReserved:          2,
		MemoryReserve:             1 << 30, // 1 GiB
		MaxCPUPercent:             80,
		LogLevel:                  "info",
		MaxListenersPerEvent:      100,
		MaxTotalSubscriptions:     1000,
		KillGracePeriodMs:         5000,
		ResourceMonitorIntervalMs: 5000,
		MinSpawnDelayMs:           10000,
		SettlingWindowMs:          15000,
		EventRequestTimeoutMs:     5000,
		EventCleanupIntervalMs:    60000,
		FileStorageThresholdBytes: 100 * 1024,
		RetryInitialDelayMs:       1000,
		RetryMaxDelayMs:           30000,
		TaskRetentionDays:         30,
		MaxQueueSize:              1000,
		SchedulerCheckIntervalMs:  1000,
		MissedRunGracePeriodMs:    60000,
		DatabasePath:              DefaultDatabasePath(),
	}
}

// DefaultConfigPath returns $HOME/.delegate/config.json.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), ConfigDirName, ConfigFileName)
}

// DefaultDatabasePath returns $HOME/.delegate/tasks.db.
func DefaultDatabasePath() string {
	return filepath.Join(homeDir(), ConfigDirName, DatabaseFileName)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return home
}

// envVars maps recognised environment variables onto config fields.
// Numeric values parse as base-10 integers; a parse failure leaves the
// underlying layer's value in place.
var envVars = map[string]func(*Config, string){
	"TASK_TIMEOUT":                     func(c *Config, v string) { setInt64(&c.TaskTimeoutMs, v) },
	"MAX_OUTPUT_BUFFER":                func(c *Config, v string) { setInt64(&c.MaxOutputBuffer, v) },
	"CPU_CORES_RESERVED":               func(c *Config, v string) { setInt(&c.CPUCoresReserved, v) },
	"MEMORY_RESERVE":                   func(c *Config, v string) { setInt64(&c.MemoryReserve, v) },
	"LOG_LEVEL":                        func(c *Config, v string) { c.LogLevel = v },
	"EVENTBUS_MAX_LISTENERS_PER_EVENT": func(c *Config, v string) { setInt(&c.MaxListenersPerEvent, v) },
	"EVENTBUS_MAX_TOTAL_SUBSCRIPTIONS": func(c *Config, v string) { setInt(&c.MaxTotalSubscriptions, v) },
	"PROCESS_KILL_GRACE_PERIOD_MS":     func(c *Config, v string) { setInt64(&c.KillGracePeriodMs, v) },
	"RESOURCE_MONITOR_INTERVAL_MS":     func(c *Config, v string) { setInt64(&c.ResourceMonitorIntervalMs, v) },
	"WORKER_MIN_SPAWN_DELAY_MS":        func(c *Config, v string) { setInt64(&c.MinSpawnDelayMs, v) },
	"WORKER_SETTLING_WINDOW_MS":        func(c *Config, v string) { setInt64(&c.SettlingWindowMs, v) },
	"EVENT_REQUEST_TIMEOUT_MS":         func(c *Config, v string) { setInt64(&c.EventRequestTimeoutMs, v) },
	"EVENT_CLEANUP_INTERVAL_MS":        func(c *Config, v string) { setInt64(&c.EventCleanupIntervalMs, v) },
	"FILE_STORAGE_THRESHOLD_BYTES":     func(c *Config, v string) { setInt64(&c.FileStorageThresholdBytes, v) },
	"RETRY_INITIAL_DELAY_MS":           func(c *Config, v string) { setInt64(&c.RetryInitialDelayMs, v) },
	"RETRY_MAX_DELAY_MS":               func(c *Config, v string) { setInt64(&c.RetryMaxDelayMs, v) },
	"TASK_RETENTION_DAYS":              func(c *Config, v string) { setInt(&c.TaskRetentionDays, v) },
	"DELEGATE_DATABASE_PATH":           func(c *Config, v string) { c.DatabasePath = v },
}

func setInt64(dst *int64, v string) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = n
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Load builds the snapshot from defaults < file < env. If the fully
// merged result fails validation the file layer is dropped and the
// env-over-defaults result is tried; if that also fails, pure defaults
// are returned. An invalid bottom layer never shadows a valid upper one.
func Load(configPath string, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	merged := Defaults()
	fileErr := applyFile(&merged, configPath)
	if fileErr != nil {
		logger.Warn("config file ignored", "path", configPath, "error", fileErr)
	}
	applyEnv(&merged)
	if err := merged.Validate(); err == nil {
		return merged
	} else {
		logger.Warn("merged config invalid, retrying without config file", "error", err)
	}

	envOnly := Defaults()
	applyEnv(&envOnly)
	if err := envOnly.Validate(); err == nil {
		return envOnly
	} else {
		logger.Warn("environment config invalid, falling back to defaults", "error", err)
	}

	return Defaults()
}

func applyFile(c *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	for name, apply := range envVars {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			apply(c, v)
		}
	}
}

// Validate checks every bounded field against its schema bounds.
func (c Config) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"taskTimeoutMs", c.TaskTimeoutMs >= 1000 && c.TaskTimeoutMs <= 3600_000},
		{"maxOutputBuffer", c.MaxOutputBuffer >= 1024 && c.MaxOutputBuffer <= 100*1024*1024},
		{"cpuCoresReserved", c.CPUCoresReserved >= 1 && c.CPUCoresReserved <= 32},
		{"memoryReserve", c.MemoryReserve >= 0 && c.MemoryReserve <= 64<<30},
		{"maxCpuPercent", c.MaxCPUPercent > 0 && c.MaxCPUPercent <= 100},
		{"logLevel", validLogLevel(c.LogLevel)},
		{"maxListenersPerEvent", c.MaxListenersPerEvent >= 1 && c.MaxListenersPerEvent <= 10000},
		{"maxTotalSubscriptions", c.MaxTotalSubscriptions >= 1 && c.MaxTotalSubscriptions <= 100000},
		{"killGracePeriodMs", c.KillGracePeriodMs >= 100 && c.KillGracePeriodMs <= 60000},
		{"resourceMonitorIntervalMs", c.ResourceMonitorIntervalMs >= 100 && c.ResourceMonitorIntervalMs <= 600_000},
		{"minSpawnDelayMs", c.MinSpawnDelayMs >= 0 && c.MinSpawnDelayMs <= 600_000},
		{"settlingWindowMs", c.SettlingWindowMs >= 0 && c.SettlingWindowMs <= 600_000},
		{"eventRequestTimeoutMs", c.EventRequestTimeoutMs >= 100 && c.EventRequestTimeoutMs <= 600_000},
		{"eventCleanupIntervalMs", c.EventCleanupIntervalMs >= 1000 && c.EventCleanupIntervalMs <= 3600_000},
		{"fileStorageThresholdBytes", c.FileStorageThresholdBytes >= 1024 && c.FileStorageThresholdBytes <= 100*1024*1024},
		{"retryInitialDelayMs", c.RetryInitialDelayMs >= 1 && c.RetryInitialDelayMs <= 600_000},
		{"retryMaxDelayMs", c.RetryMaxDelayMs >= c.RetryInitialDelayMs && c.RetryMaxDelayMs <= 3600_000},
		{"taskRetentionDays", c.TaskRetentionDays >= 0 && c.TaskRetentionDays <= 3650},
		{"maxQueueSize", c.MaxQueueSize >= 1 && c.MaxQueueSize <= 1_000_000},
		{"schedulerCheckIntervalMs", c.SchedulerCheckIntervalMs >= 10 && c.SchedulerCheckIntervalMs <= 3600_000},
		{"missedRunGracePeriodMs", c.MissedRunGracePeriodMs >= 0 && c.MissedRunGracePeriodMs <= 86_400_000},
		{"databasePath", c.DatabasePath != ""},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("config field %s out of bounds", check.name)
		}
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// SlogLevel maps the configured log level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration accessors keep call sites free of ms arithmetic.

func (c Config) TaskTimeout() time.Duration       { return time.Duration(c.TaskTimeoutMs) * time.Millisecond }
func (c Config) KillGracePeriod() time.Duration   { return time.Duration(c.KillGracePeriodMs) * time.Millisecond }
func (c Config) ResourceMonitorInterval() time.Duration {
	return time.Duration(c.ResourceMonitorIntervalMs) * time.Millisecond
}
func (c Config) MinSpawnDelay() time.Duration   { return time.Duration(c.MinSpawnDelayMs) * time.Millisecond }
func (c Config) SettlingWindow() time.Duration  { return time.Duration(c.SettlingWindowMs) * time.Millisecond }
func (c Config) EventRequestTimeout() time.Duration {
	return time.Duration(c.EventRequestTimeoutMs) * time.Millisecond
}
func (c Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}
func (c Config) RetryMaxDelay() time.Duration { return time.Duration(c.RetryMaxDelayMs) * time.Millisecond }
func (c Config) SchedulerCheckInterval() time.Duration {
	return time.Duration(c.SchedulerCheckIntervalMs) * time.Millisecond
}
func (c Config) MissedRunGracePeriod() time.Duration {
	return time.Duration(c.MissedRunGracePeriodMs) * time.Millisecond
}

// OutputDir returns the sidecar directory for spilled task output,
// a sibling of the database file.
func (c Config) OutputDir() string {
	return filepath.Join(filepath.Dir(c.DatabasePath), "output")
}

// SaveValue writes a single key into the config-file layer, creating
// the file if needed. The running snapshot is not changed.
func SaveValue(configPath, key string, value any) error {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	fileLayer, err := readFileLayer(configPath)
	if err != nil {
		return err
	}
	fileLayer[key] = value
	return writeFileLayer(configPath, fileLayer)
}

// ResetValue removes a key from the config-file layer. Resetting a key
// that is not present succeeds.
func ResetValue(configPath, key string) error {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	fileLayer, err := readFileLayer(configPath)
	if err != nil {
		return err
	}
	if _, ok := fileLayer[key]; !ok {
		return nil
	}
	delete(fileLayer, key)
	return writeFileLayer(configPath, fileLayer)
}

func readFileLayer(path string) (map[string]any, error) {
	layer := make(map[string]any)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return layer, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(raw) == 0 {
		return layer, nil
	}
	if err := json.Unmarshal(raw, &layer); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return layer, nil
}

func writeFileLayer(path string, layer map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	raw, err := json.MarshalIndent(layer, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}
