// Package config loads and validates the pipeline configuration
// document (telemetry.yaml). User-provided values are merged over
// built-in defaults; every section is optional.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved, validated runtime configuration.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Streams    StreamsConfig    `yaml:"streams"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Paths      PathsConfig      `yaml:"paths"`
	Logging    LoggingConfig    `yaml:"logging"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Sessions   SessionsConfig   `yaml:"sessions"`
}

// RedisConfig holds bus endpoint and connection-pool bounds.
type RedisConfig struct {
	Connection     RedisConnection     `yaml:"connection"`
	ConnectionPool RedisConnectionPool `yaml:"connection_pool"`
}

// RedisConnection is the broker endpoint.
type RedisConnection struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port dial address.
func (c RedisConnection) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// RedisConnectionPool bounds how long bus operations may block.
type RedisConnectionPool struct {
	SocketTimeout        time.Duration `yaml:"socket_timeout"`
	SocketConnectTimeout time.Duration `yaml:"socket_connect_timeout"`
	MaxConnections       int           `yaml:"max_connections"`
}

// StreamConfig describes one logical stream's limits.
type StreamConfig struct {
	Name            string `yaml:"name"`
	MaxLength       int64  `yaml:"max_length"`
	BlockMS         int64  `yaml:"block_ms"`
	Count           int64  `yaml:"count"`
	TrimApproximate bool   `yaml:"trim_approximate"`
}

// Block returns the read-block timeout; block_ms is integer
// milliseconds in the document.
func (s StreamConfig) Block() time.Duration {
	return time.Duration(s.BlockMS) * time.Millisecond
}

// StreamsConfig names the three logical streams.
type StreamsConfig struct {
	Events StreamConfig `yaml:"events"`
	CDC    StreamConfig `yaml:"cdc"`
	DLQ    StreamConfig `yaml:"dlq"`
	// MessageQueue is an alias accepted for the events stream; when set
	// its name overrides Events.Name.
	MessageQueue StreamConfig `yaml:"message_queue"`
}

// WatcherConfig toggles one watcher and sets its poll cadence.
type WatcherConfig struct {
	Enabled             *bool `yaml:"enabled"`
	PollIntervalSeconds int   `yaml:"poll_interval_seconds"`
}

// On reports whether the watcher is enabled (default true).
func (w WatcherConfig) On() bool {
	return w.Enabled == nil || *w.Enabled
}

// PollInterval returns the poll cadence as a duration.
func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// MonitoringConfig holds per-watcher toggles.
type MonitoringConfig struct {
	CursorDatabase WatcherConfig `yaml:"cursor_database"`
	CursorMarkdown WatcherConfig `yaml:"cursor_markdown"`
	UnifiedCursor  WatcherConfig `yaml:"unified_cursor"`
	ClaudeJSONL    WatcherConfig `yaml:"claude_jsonl"`
}

// PathsConfig holds on-disk locations. All values support ~ expansion.
type PathsConfig struct {
	// Database is the local trace store file.
	Database string `yaml:"database"`
	// ClaudeProjects is the transcript platform's project root.
	ClaudeProjects string `yaml:"claude_projects"`
	// CursorWorkspaceStorage holds per-workspace embedded databases.
	CursorWorkspaceStorage string `yaml:"cursor_workspace_storage"`
	// CursorGlobalStorage holds the global embedded database.
	CursorGlobalStorage string `yaml:"cursor_global_storage"`
	// WorkspaceMapCache is the JSON cache for workspace→database paths.
	WorkspaceMapCache string `yaml:"workspace_map_cache"`
}

// LoggingConfig holds log retention settings.
type LoggingConfig struct {
	Rotation LogRotation `yaml:"rotation"`
}

// LogRotation mirrors the rotation section of the config document.
type LogRotation struct {
	BackupCount int `yaml:"backup_count"`
}

// ConsumerConfig tunes the fast-path consumers.
type ConsumerConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	MaxRetries           int64         `yaml:"max_retries"`
	TargetWriteLatency   time.Duration `yaml:"target_write_latency"`
	ThrottleSleep        time.Duration `yaml:"throttle_sleep"`
	PELBacklogThreshold  int           `yaml:"pel_backlog_threshold"`
	GracefulShutdown     time.Duration `yaml:"graceful_shutdown"`
	PendingRetryIdleTime time.Duration `yaml:"pending_retry_idle"`
}

// PendingRetryIdle returns the idle threshold after which pending
// entries are claimed: max(batch_timeout, 100ms) unless overridden.
func (c ConsumerConfig) PendingRetryIdle() time.Duration {
	if c.PendingRetryIdleTime > 0 {
		return c.PendingRetryIdleTime
	}
	if c.BatchTimeout > 100*time.Millisecond {
		return c.BatchTimeout
	}
	return 100 * time.Millisecond
}

// SessionsConfig tunes session lifecycle handling.
type SessionsConfig struct {
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepBatchSize   int           `yaml:"sweep_batch_size"`
	SweepBatchPause  time.Duration `yaml:"sweep_batch_pause"`
}

// Default returns the built-in configuration. Values match the
// documented fallbacks for every section.
func Default() *Config {
	enabled := true
	return &Config{
		Redis: RedisConfig{
			Connection: RedisConnection{Host: "localhost", Port: 6379},
			ConnectionPool: RedisConnectionPool{
				SocketTimeout:        2 * time.Second,
				SocketConnectTimeout: 2 * time.Second,
				MaxConnections:       10,
			},
		},
		Streams: StreamsConfig{
			Events: StreamConfig{
				Name:            "telemetry:events",
				MaxLength:       10_000,
				BlockMS:         1000,
				Count:           100,
				TrimApproximate: true,
			},
			CDC: StreamConfig{
				Name:            "cdc:events",
				MaxLength:       100_000,
				TrimApproximate: true,
			},
			DLQ: StreamConfig{
				Name:            "telemetry:dlq",
				MaxLength:       1_000,
				TrimApproximate: true,
			},
		},
		Monitoring: MonitoringConfig{
			CursorDatabase: WatcherConfig{Enabled: &enabled, PollIntervalSeconds: 60},
			CursorMarkdown: WatcherConfig{Enabled: &enabled, PollIntervalSeconds: 60},
			UnifiedCursor:  WatcherConfig{Enabled: &enabled, PollIntervalSeconds: 60},
			ClaudeJSONL:    WatcherConfig{Enabled: &enabled, PollIntervalSeconds: 30},
		},
		Paths: PathsConfig{
			Database:               "~/.bp-telemetry/traces.db",
			ClaudeProjects:         "~/.claude/projects",
			CursorWorkspaceStorage: "~/.config/Cursor/User/workspaceStorage",
			CursorGlobalStorage:    "~/.config/Cursor/User/globalStorage",
			WorkspaceMapCache:      "~/.bp-telemetry/workspace_map.json",
		},
		Logging: LoggingConfig{Rotation: LogRotation{BackupCount: 5}},
		Consumer: ConsumerConfig{
			BatchSize:           100,
			BatchTimeout:        100 * time.Millisecond,
			MaxRetries:          3,
			TargetWriteLatency:  10 * time.Millisecond,
			ThrottleSleep:       100 * time.Millisecond,
			PELBacklogThreshold: 200,
			GracefulShutdown:    10 * time.Second,
		},
		Sessions: SessionsConfig{
			TimeoutThreshold: 24 * time.Hour,
			SweepInterval:    time.Hour,
			SweepBatchSize:   100,
			SweepBatchPause:  100 * time.Millisecond,
		},
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
