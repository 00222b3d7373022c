// Package scheduler decides when the sync engine runs: on a fixed interval,
// opportunistically when a read finds the cache stale, and on demand.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/syncengine"
)

// Engine is the sync engine as seen by the scheduler.
type Engine interface {
	Run(ctx context.Context) (*syncengine.Result, error)
	Running() bool
	Watermark(ctx context.Context) (*time.Time, error)
}

// Config controls triggering. A zero Interval disables the timer.
type Config struct {
	Interval   time.Duration
	Staleness  time.Duration
	RunOnStart bool
}

// Scheduler owns the background goroutines that drive the engine. Errors
// from background cycles are logged, never returned.
type Scheduler struct {
	engine Engine
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	checking atomic.Bool
}

// New creates a scheduler. Nothing runs until Run or a trigger is called.
func New(engine Engine, cfg Config, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run drives the periodic timer until ctx is done or Close is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.RunOnStart {
		s.Trigger("startup")
	}
	if s.cfg.Interval <= 0 {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		return nil
	}

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("periodic sync enabled")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.runLogged(s.ctx, "interval")
		}
	}
}

// Trigger starts a cycle in the background unless one is already running.
func (s *Scheduler) Trigger(reason string) {
	if s.engine.Running() {
		return
	}
	s.spawn(func(ctx context.Context) {
		s.runLogged(ctx, reason)
	})
}

// TriggerIfStale starts a background cycle when the cache has never been
// synced or its watermark is older than the staleness threshold. It never
// blocks the caller.
func (s *Scheduler) TriggerIfStale() {
	if s.engine.Running() {
		return
	}
	if !s.checking.CompareAndSwap(false, true) {
		return
	}
	ok := s.spawn(func(ctx context.Context) {
		defer s.checking.Store(false)
		stale, err := s.Stale(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("staleness check failed")
			return
		}
		if stale {
			s.runLogged(ctx, "stale")
		}
	})
	if !ok {
		s.checking.Store(false)
	}
}

// Stale reports whether the watermark is missing or older than the
// staleness threshold.
func (s *Scheduler) Stale(ctx context.Context) (bool, error) {
	w, err := s.engine.Watermark(ctx)
	if err != nil {
		return false, err
	}
	if w == nil {
		return true, nil
	}
	return s.now().Sub(*w) > s.cfg.Staleness, nil
}

// SyncNow runs a cycle on the caller's context and returns its outcome. A
// cycle already in flight yields a skipped result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncengine.Result, error) {
	return s.engine.Run(ctx)
}

// Close stops the timer, cancels in-flight background cycles and waits for
// them to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Scheduler) runLogged(ctx context.Context, reason string) {
	res, err := s.engine.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", reason).Msg("background sync failed")
		return
	}
	if res.Skipped {
		s.logger.Debug().Str("trigger", reason).Msg("sync already running")
	}
}
