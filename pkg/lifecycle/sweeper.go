package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// Sweeper periodically times out sessions that have been active longer
// than the threshold, in small batches with pauses so the writer path
// is never starved of the database.
type Sweeper struct {
	cfg     config.SessionsConfig
	store   timeoutStore
	manager *Manager
	metrics *metrics.Pipeline

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// timeoutStore is the slice of the trace store the sweeper needs.
type timeoutStore interface {
	SweepTimedOut(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Session, error)
}

// NewSweeper builds a sweeper over the given store and manager.
func NewSweeper(cfg config.SessionsConfig, st timeoutStore, manager *Manager, m *metrics.Pipeline) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		store:   st,
		manager: manager,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run sweeps once immediately, then on every tick until stopped.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	slog.Info("Session sweeper started",
		"interval", s.cfg.SweepInterval, "threshold", s.cfg.TimeoutThreshold)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// sweep ends every timed-out session, batch by batch, pausing between
// batches.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TimeoutThreshold)
	total := 0
	for {
		swept, err := s.store.SweepTimedOut(ctx, cutoff, s.cfg.SweepBatchSize)
		if err != nil {
			slog.Error("Timeout sweep failed", "error", err)
			return
		}
		for _, sess := range swept {
			s.manager.DeactivateSession(sess)
		}
		total += len(swept)
		s.metrics.SessionsSwept.Add(int64(len(swept)))

		if len(swept) < s.cfg.SweepBatchSize {
			break
		}
		select {
		case <-time.After(s.cfg.SweepBatchPause):
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
	if total > 0 {
		slog.Info("Timed out stale sessions", "count", total)
	}
}
