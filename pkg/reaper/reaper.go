// Package reaper reclaims abandoned stream sessions and task records on a
// fixed period.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/streamgate/pkg/stream"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultInterval         = 5 * time.Minute
	DefaultSessionRetention = time.Hour
	DefaultTaskRetention    = 24 * time.Hour
)

// Config configures a Reaper.
type Config struct {
	// Store is the session store to sweep.
	Store stream.Store

	// Interval is the sweep period.
	Interval time.Duration

	// SessionRetention is how long session records are kept.
	SessionRetention time.Duration

	// TaskRetention is how long task records are kept.
	TaskRetention time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Reaper periodically purges session and task records past their retention
// windows. Terminal-state idempotence in the store means a sweep can never
// revive or mask a session status; it only removes old rows.
type Reaper struct {
	store            stream.Store
	interval         time.Duration
	sessionRetention time.Duration
	taskRetention    time.Duration
	logger           *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper.
func New(cfg Config) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reaper: store is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SessionRetention == 0 {
		cfg.SessionRetention = DefaultSessionRetention
	}
	if cfg.TaskRetention == 0 {
		cfg.TaskRetention = DefaultTaskRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		store:            cfg.Store,
		interval:         cfg.Interval,
		sessionRetention: cfg.SessionRetention,
		taskRetention:    cfg.TaskRetention,
		logger:           cfg.Logger,
	}, nil
}

// Sweep purges sessions past the session retention window, then tasks past
// the task retention window. A failure on one target is logged and does not
// stop the other.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	sessions, err := r.store.PurgeSessionsBefore(ctx, now.Add(-r.sessionRetention))
	if err != nil {
		r.logger.Error("reaper: purging sessions", "error", err)
	}

	tasks, err := r.store.PurgeTasksBefore(ctx, now.Add(-r.taskRetention))
	if err != nil {
		r.logger.Error("reaper: purging tasks", "error", err)
	}

	if sessions > 0 || tasks > 0 {
		r.logger.Info("reaper: sweep complete", "sessions", sessions, "tasks", tasks)
	}
}

// Start launches the background sweep goroutine. The goroutine runs until
// Stop is called; a failed sweep never ends the loop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// even if Start was never called.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
