// Command telemetryd runs the full telemetry pipeline: source
// watchers, lifecycle listeners, fast-path consumers, the CDC
// publisher, and the session timeout sweeper, against one Redis bus
// and one local SQLite trace store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/cdc"
	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/ingest"
	"github.com/jleechanorg/bp-telemetry/pkg/lifecycle"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
	"github.com/jleechanorg/bp-telemetry/pkg/watcher"
)

const metricsLogInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("telemetryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "telemetry.yaml", "path to the configuration file")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	// .env is optional; real deployments configure via telemetry.yaml.
	_ = godotenv.Load()

	setupLogging(*logLevel)

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	client := bus.NewClient(cfg.Redis)
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return err
	}

	m := &metrics.Pipeline{}
	eventsProducer := bus.NewProducer(client, cfg.Streams.Events)
	cdcPublisher := cdc.NewPublisher(bus.NewProducer(client, cfg.Streams.CDC))
	dlq := bus.NewDLQ(client, cfg.Streams.DLQ)

	hostname, _ := os.Hostname()
	identity := func(role string) string {
		return fmt.Sprintf("%s-%s-%s", role, hostname, uuid.NewString()[:8])
	}

	// Lifecycle: one manager shared by watchers, one listener per
	// platform with its own consumer group.
	manager := lifecycle.NewManager()

	claudeLifecycleGroup, err := bus.NewGroupConsumer(ctx, client, cfg.Streams.Events.Name,
		bus.GroupTranscriptSessions, identity("transcript-sessions"))
	if err != nil {
		return err
	}
	cursorLifecycleGroup, err := bus.NewGroupConsumer(ctx, client, cfg.Streams.Events.Name,
		bus.GroupCursorSessions, identity("cursor-sessions"))
	if err != nil {
		return err
	}
	claudeListener := lifecycle.NewListener(models.PlatformClaude, claudeLifecycleGroup, st, manager, m)
	cursorListener := lifecycle.NewListener(models.PlatformCursor, cursorLifecycleGroup, st, manager, m)

	// Fast-path consumers: one group per platform so each writer sees
	// every event and its filter decides what to keep.
	claudeWriterGroup, err := bus.NewGroupConsumer(ctx, client, cfg.Streams.Events.Name,
		bus.GroupClaudeProcessors, identity("claude-writer"))
	if err != nil {
		return err
	}
	cursorWriterGroup, err := bus.NewGroupConsumer(ctx, client, cfg.Streams.Events.Name,
		bus.GroupCursorProcessors, identity("cursor-writer"))
	if err != nil {
		return err
	}
	claudeConsumer := ingest.NewClaudeConsumer(st, claudeWriterGroup, dlq, cdcPublisher,
		cfg.Consumer, cfg.Streams.Events.Block(), m)
	cursorConsumer := ingest.NewCursorConsumer(st, cursorWriterGroup, dlq, cdcPublisher,
		cfg.Consumer, cfg.Streams.Events.Block(), m)

	var jsonlWatcher *watcher.JSONLWatcher
	if cfg.Monitoring.ClaudeJSONL.On() {
		jsonlWatcher = watcher.NewJSONLWatcher(cfg.Paths.ClaudeProjects,
			cfg.Monitoring.ClaudeJSONL.PollInterval(), eventsProducer, manager, st, m)
	}
	var kvWatcher *watcher.KVWatcher
	if cfg.Monitoring.CursorDatabase.On() {
		mapper := watcher.NewWorkspaceMapper(cfg.Paths.CursorWorkspaceStorage, cfg.Paths.WorkspaceMapCache)
		kvWatcher = watcher.NewKVWatcher(cfg.Paths.CursorWorkspaceStorage, cfg.Paths.CursorGlobalStorage,
			cfg.Monitoring.CursorDatabase.PollInterval(), eventsProducer, manager, mapper, m)
	}

	sweeper := lifecycle.NewSweeper(cfg.Sessions, st, manager, m)

	// Start order: listeners first so the active map is recovered
	// before watchers poll, then consumers, then watchers.
	go claudeListener.Run(ctx)
	go cursorListener.Run(ctx)
	go claudeConsumer.Run(ctx)
	go cursorConsumer.Run(ctx)
	go sweeper.Run(ctx)
	if jsonlWatcher != nil {
		go jsonlWatcher.Run(ctx)
	}
	if kvWatcher != nil {
		go kvWatcher.Run(ctx)
	}
	go logMetrics(ctx, m)

	slog.Info("telemetryd running",
		"events_stream", cfg.Streams.Events.Name,
		"database", cfg.Paths.Database)

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	// Shutdown order: stop producing first, then drain the write path
	// within the grace period. Unacknowledged messages stay on the bus
	// for the next instance.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if jsonlWatcher != nil {
			jsonlWatcher.Stop()
		}
		if kvWatcher != nil {
			kvWatcher.Stop()
		}
		claudeListener.Stop()
		cursorListener.Stop()
		claudeConsumer.Stop()
		cursorConsumer.Stop()
		sweeper.Stop()
	}()
	select {
	case <-done:
		slog.Info("Shutdown complete")
	case <-time.After(cfg.Consumer.GracefulShutdown):
		slog.Warn("Shutdown grace period exceeded, exiting")
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func logMetrics(ctx context.Context, m *metrics.Pipeline) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			slog.Info("Pipeline metrics",
				"published", s.EventsPublished,
				"consumed", s.EventsConsumed,
				"filtered", s.EventsFiltered,
				"rows", s.RowsWritten,
				"batches", s.BatchesWritten,
				"cdc", s.CDCPublished,
				"dlq", s.DLQRecorded,
				"sessions_started", s.SessionsStarted,
				"sessions_ended", s.SessionsEnded,
				"sessions_swept", s.SessionsSwept,
				"mean_write_latency", s.MeanWriteLatency,
				"throttle_sleeps", s.ThrottleSleeps)
		}
	}
}
