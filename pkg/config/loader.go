package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads telemetry.yaml from path (if it exists), merges it
// over the built-in defaults, expands paths, and validates the result.
// A missing file is not an error: the defaults apply.
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			slog.Info("No configuration file, using defaults", "path", path)
		} else {
			var user Config
			if err := yaml.Unmarshal(data, &user); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			// Non-zero user values override defaults; unset sections keep
			// their built-in values.
			if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config: %w", err)
			}
		}
	}

	// message_queue is the accepted alias for the events stream name.
	if cfg.Streams.MessageQueue.Name != "" {
		cfg.Streams.Events.Name = cfg.Streams.MessageQueue.Name
		if cfg.Streams.MessageQueue.MaxLength > 0 {
			cfg.Streams.Events.MaxLength = cfg.Streams.MessageQueue.MaxLength
		}
	}

	expandPaths(&cfg.Paths)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"redis", cfg.Redis.Connection.Addr(),
		"events_stream", cfg.Streams.Events.Name,
		"database", cfg.Paths.Database)
	return cfg, nil
}

func expandPaths(p *PathsConfig) {
	p.Database = ExpandPath(p.Database)
	p.ClaudeProjects = ExpandPath(p.ClaudeProjects)
	p.CursorWorkspaceStorage = ExpandPath(p.CursorWorkspaceStorage)
	p.CursorGlobalStorage = ExpandPath(p.CursorGlobalStorage)
	p.WorkspaceMapCache = ExpandPath(p.WorkspaceMapCache)
}

func validate(cfg *Config) error {
	if cfg.Redis.Connection.Host == "" {
		return fmt.Errorf("redis.connection.host is required")
	}
	if cfg.Redis.Connection.Port <= 0 || cfg.Redis.Connection.Port > 65535 {
		return fmt.Errorf("redis.connection.port %d out of range", cfg.Redis.Connection.Port)
	}
	for _, s := range []struct {
		name string
		cfg  StreamConfig
	}{
		{"streams.events", cfg.Streams.Events},
		{"streams.cdc", cfg.Streams.CDC},
		{"streams.dlq", cfg.Streams.DLQ},
	} {
		if s.cfg.Name == "" {
			return fmt.Errorf("%s.name is required", s.name)
		}
		if s.cfg.MaxLength <= 0 {
			return fmt.Errorf("%s.max_length must be positive", s.name)
		}
	}
	if cfg.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be positive")
	}
	if cfg.Consumer.BatchTimeout <= 0 {
		return fmt.Errorf("consumer.batch_timeout must be positive")
	}
	if cfg.Sessions.TimeoutThreshold <= 0 {
		return fmt.Errorf("sessions.timeout_threshold must be positive")
	}
	if cfg.Monitoring.ClaudeJSONL.On() && cfg.Monitoring.ClaudeJSONL.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitoring.claude_jsonl.poll_interval_seconds must be positive")
	}
	if cfg.Monitoring.CursorDatabase.On() && cfg.Monitoring.CursorDatabase.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitoring.cursor_database.poll_interval_seconds must be positive")
	}
	if cfg.Paths.Database == "" {
		return fmt.Errorf("paths.database is required")
	}
	return nil
}
