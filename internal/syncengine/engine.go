// Package syncengine brings the local cache up to date with the remote FHIR
// server. Cycles are incremental from a stored watermark and at most one runs
// at a time.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/domain/patient"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/platform/fhir"
	"github.com/ehr/fhircache/internal/remote"
)

// Remote is the part of the FHIR client the engine pages through. Read
// confirms a deletion before the reconciliation pass acts on it.
type Remote interface {
	Search(ctx context.Context, req remote.SearchRequest) (*remote.Page, error)
	NextPage(ctx context.Context, next string) (*remote.Page, error)
	Read(ctx context.Context, id string) (json.RawMessage, error)
}

// State is the engine's externally visible state. Failed is transient and is
// reported through Status.LastError rather than as a state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Mode is how a cycle selects remote records.
type Mode string

const (
	// ModeFull fetches the whole collection, most recently updated first.
	ModeFull Mode = "full"
	// ModeIncremental fetches records modified after the watermark.
	ModeIncremental Mode = "incremental"
)

// DefaultPageSize is the _count used when Config.PageSize is unset.
const DefaultPageSize = 100

// Config tunes the engine.
type Config struct {
	PageSize int
	// Lookback is subtracted from the watermark in the remote filter so that
	// clock skew between this host and the remote cannot hide updates.
	Lookback time.Duration
	// FullResyncInterval, when positive, periodically turns a cycle into a
	// full pass that also removes local rows the remote no longer has.
	FullResyncInterval time.Duration
}

// Result describes one cycle.
type Result struct {
	Mode       Mode       `json:"mode,omitempty"`
	Synced     int        `json:"synced"`
	Deleted    int        `json:"deleted"`
	Pages      int        `json:"pages"`
	Watermark  *time.Time `json:"watermark"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMs int64      `json:"duration_ms"`
	Skipped    bool       `json:"skipped,omitempty"`
}

// Status is a snapshot for the status endpoint.
type Status struct {
	State       State      `json:"state"`
	Watermark   *time.Time `json:"watermark"`
	LastResult  *Result    `json:"last_result,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Engine runs sync cycles.
type Engine struct {
	store   cache.Store
	remote  Remote
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
	rec     activity.Recorder
	now     func() time.Time

	running atomic.Bool

	mu          sync.Mutex
	lastResult  *Result
	lastErr     error
	lastErrAt   time.Time
	lastFullRun time.Time
}

// New builds an engine. metrics and rec may be nil.
func New(store cache.Store, r Remote, cfg Config, logger zerolog.Logger, metrics *Metrics, rec activity.Recorder) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if rec == nil {
		rec = (*activity.Log)(nil)
	}
	e := &Engine{
		store:   store,
		remote:  r,
		cfg:     cfg,
		logger:  logger.With().Str("component", "syncengine").Logger(),
		metrics: metrics,
		rec:     rec,
		now:     time.Now,
	}
	e.lastFullRun = e.now().UTC()
	return e
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool { return e.running.Load() }

// Run executes one cycle. If a cycle is already running it returns
// immediately with Result.Skipped set and no error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.skipped.Inc()
		e.rec.Record(activity.Event{Kind: activity.KindSyncSkip, Message: "cycle already running"})
		return &Result{Skipped: true}, nil
	}
	defer e.running.Store(false)

	start := e.now().UTC()
	res, err := e.cycle(ctx, start)
	res.StartedAt = start
	res.DurationMs = e.now().Sub(start).Milliseconds()
	e.metrics.duration.Observe(e.now().Sub(start).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err
		e.lastErrAt = start
		mode := string(res.Mode)
		if mode == "" {
			mode = "unknown"
		}
		e.metrics.cycles.WithLabelValues(mode, "failure").Inc()
		e.logger.Error().Err(err).
			Str("mode", string(res.Mode)).
			Int("pages", res.Pages).
			Int("synced", res.Synced).
			Msg("sync cycle failed")
		e.rec.Record(activity.Event{Kind: activity.KindSyncFail, Message: err.Error(), DurationMs: res.DurationMs})
		return res, err
	}

	e.lastResult = res
	e.lastErr = nil
	if res.Mode == ModeFull {
		e.lastFullRun = start
	}
	e.metrics.cycles.WithLabelValues(string(res.Mode), "success").Inc()
	ev := e.logger.Info().
		Str("mode", string(res.Mode)).
		Int("pages", res.Pages).
		Int("synced", res.Synced).
		Int64("duration_ms", res.DurationMs)
	if res.Watermark != nil {
		ev = ev.Time("watermark", *res.Watermark)
	}
	if res.Deleted > 0 {
		ev = ev.Int("deleted", res.Deleted)
	}
	ev.Msg("sync cycle finished")
	e.rec.Record(activity.Event{
		Kind:       activity.KindSyncFinish,
		Message:    fmt.Sprintf("%s: %d synced, %d deleted, %d pages", res.Mode, res.Synced, res.Deleted, res.Pages),
		DurationMs: res.DurationMs,
	})
	return res, nil
}

func (e *Engine) cycle(ctx context.Context, start time.Time) (*Result, error) {
	res := &Result{}
	w, err := e.store.Watermark(ctx)
	if err != nil {
		return res, fmt.Errorf("read watermark: %w", err)
	}

	reconcile := false
	res.Mode = ModeIncremental
	if w == nil {
		res.Mode = ModeFull
	} else if e.cfg.FullResyncInterval > 0 && start.Sub(e.fullRunAt()) >= e.cfg.FullResyncInterval {
		res.Mode = ModeFull
		reconcile = true
	}

	req := remote.SearchRequest{Count: e.cfg.PageSize}
	if res.Mode == ModeFull {
		req.Sort = []fhir.SortSpec{{Field: "_lastUpdated", Descending: true}}
	} else {
		req.Sort = []fhir.SortSpec{{Field: "_lastUpdated"}}
		since := w.Add(-e.cfg.Lookback)
		req.UpdatedAfter = &since
	}

	e.logger.Info().Str("mode", string(res.Mode)).Bool("reconcile", reconcile).Msg("sync cycle started")
	e.rec.Record(activity.Event{Kind: activity.KindSyncStart, Message: string(res.Mode)})

	var seen map[string]struct{}
	if reconcile {
		seen = make(map[string]struct{})
	}

	page, err := e.remote.Search(ctx, req)
	for {
		if err != nil {
			return res, fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		if err := e.apply(ctx, page.Resources, res, seen); err != nil {
			return res, err
		}
		if page.Next == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err = e.remote.NextPage(ctx, page.Next)
	}

	if reconcile {
		if err := e.reconcile(ctx, start, seen, res); err != nil {
			return res, err
		}
	}

	newW := start
	if w != nil && w.After(start) {
		newW = *w
	}
	if err := e.store.SetWatermark(ctx, newW); err != nil {
		return res, fmt.Errorf("advance watermark: %w", err)
	}
	res.Watermark = &newW
	return res, nil
}

// apply flattens and upserts each resource independently; rows written
// before a failure stay written.
func (e *Engine) apply(ctx context.Context, resources []json.RawMessage, res *Result, seen map[string]struct{}) error {
	for _, raw := range resources {
		r, err := patient.ToRecord(raw, e.now().UTC())
		if err != nil {
			return fmt.Errorf("map remote record: %w", err)
		}
		if err := e.store.Upsert(ctx, r); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
		res.Synced++
		e.metrics.upserted.Inc()
		if seen != nil {
			seen[r.ID] = struct{}{}
		}
	}
	return nil
}

// reconcile deletes rows the full pass did not see. Rows written after the
// cycle started came from a confirmed remote write and are kept. Offset paging
// can miss a record that moved between pages while the pass ran, so every
// candidate is read back and only a remote not-found deletes it.
func (e *Engine) reconcile(ctx context.Context, start time.Time, seen map[string]struct{}, res *Result) error {
	ids, err := e.store.IDsSyncedBefore(ctx, start)
	if err != nil {
		return fmt.Errorf("list stale rows: %w", err)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		raw, err := e.remote.Read(ctx, id)
		switch {
		case err == nil:
			if err := e.apply(ctx, []json.RawMessage{raw}, res, nil); err != nil {
				return err
			}
			e.logger.Debug().Str("id", id).Msg("record missed by paging, refreshed")
			continue
		case !remote.IsNotFound(err):
			return fmt.Errorf("confirm %s: %w", id, err)
		}
		if err := e.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		res.Deleted++
		e.metrics.deleted.Inc()
		e.logger.Info().Str("id", id).Msg("removed record absent from remote")
	}
	return nil
}

func (e *Engine) fullRunAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFullRun
}

// Status returns the current state, watermark and the outcome of the most
// recent cycles.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{State: StateIdle}
	if e.Running() {
		st.State = StateRunning
	}
	w, err := e.store.Watermark(ctx)
	if err != nil {
		return st, err
	}
	st.Watermark = w

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
		at := e.lastErrAt
		st.LastErrorAt = &at
	}
	return st, nil
}

// Watermark reads the stored watermark.
func (e *Engine) Watermark(ctx context.Context) (*time.Time, error) {
	return e.store.Watermark(ctx)
}
