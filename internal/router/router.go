// Package router is the façade between the HTTP surface and the cache. Reads
// are answered locally, mutations go to the remote first and reach the cache
// only after the remote accepted them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/domain/patient"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/remote"
	"github.com/ehr/fhircache/internal/syncengine"
)

// ErrNotFound is returned when a patient exists neither in the cache nor on
// the remote. Remote not-found errors stay in the chain.
var ErrNotFound = errors.New("router: patient not found")

// Remote is the part of the FHIR client the router writes through.
type Remote interface {
	Read(ctx context.Context, id string) (json.RawMessage, error)
	Create(ctx context.Context, resource json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, id string, resource json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler triggers sync cycles.
type Scheduler interface {
	TriggerIfStale()
	SyncNow(ctx context.Context) (*syncengine.Result, error)
}

// StatusSource reports sync engine state.
type StatusSource interface {
	Status(ctx context.Context) (syncengine.Status, error)
}

// Deps are the collaborators of a Router. Metrics and Activity may be nil.
type Deps struct {
	Store     cache.Store
	Remote    Remote
	Scheduler Scheduler
	Status    StatusSource
	Logger    zerolog.Logger
	Metrics   *Metrics
	Activity  activity.Recorder
}

// Router serves patient reads and writes.
type Router struct {
	store   cache.Store
	remote  Remote
	sched   Scheduler
	status  StatusSource
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	local        ReadSource
	remoteBacked ReadSource
}

// New wires a router.
func New(d Deps) *Router {
	rec := d.Activity
	if rec == nil {
		rec = (*activity.Log)(nil)
	}
	logger := d.Logger.With().Str("component", "router").Logger()
	r := &Router{
		store:   d.Store,
		remote:  d.Remote,
		sched:   d.Scheduler,
		status:  d.Status,
		logger:  logger,
		metrics: d.Metrics,
		now:     time.Now,
	}
	r.local = &localSource{store: d.Store, metrics: d.Metrics}
	r.remoteBacked = &remoteBackedSource{
		store:   d.Store,
		remote:  d.Remote,
		logger:  logger,
		rec:     rec,
		metrics: d.Metrics,
		now:     func() time.Time { return r.now() },
	}
	return r
}

// Search answers a query from the cache, then asks the scheduler to refresh
// the cache in the background if it has gone stale.
func (r *Router) Search(ctx context.Context, q cache.Query) (*cache.Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	page, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	r.metrics.read(sourceSearch)
	r.sched.TriggerIfStale()
	return page, nil
}

// Read returns one patient. With onlyIfCached the remote is never consulted.
func (r *Router) Read(ctx context.Context, id string, onlyIfCached bool) (*cache.Record, error) {
	src := r.remoteBacked
	if onlyIfCached {
		src = r.local
	}
	return src.Get(ctx, id)
}

// Create validates a FHIR Patient, creates it remotely and caches the stored
// representation.
func (r *Router) Create(ctx context.Context, raw json.RawMessage) (*cache.Record, error) {
	if err := patient.ValidateResource(raw, "", r.now()); err != nil {
		return nil, err
	}
	return r.create(ctx, raw)
}

// Update validates a FHIR Patient and replaces it remotely. A body without an
// id takes the one from the path.
func (r *Router) Update(ctx context.Context, id string, raw json.RawMessage) (*cache.Record, error) {
	if err := patient.ValidateResource(raw, id, r.now()); err != nil {
		return nil, err
	}
	body, err := withID(raw, id)
	if err != nil {
		return nil, err
	}
	return r.update(ctx, id, body)
}

// Delete removes a patient remotely, then from the cache. When the remote
// no longer has the patient the cached row is dropped as well and the
// not-found is still reported.
func (r *Router) Delete(ctx context.Context, id string) error {
	if err := r.remote.Delete(ctx, id); err != nil {
		if remote.IsNotFound(err) {
			r.dropCached(ctx, id)
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}
	r.dropCached(ctx, id)
	return nil
}

func (r *Router) dropCached(ctx context.Context, id string) {
	if err := r.store.Delete(ctx, id); err != nil {
		r.logger.Error().Err(err).Str("patient_id", id).Msg("cache delete failed")
	}
}

// CreateForm creates a patient from the flat form.
func (r *Router) CreateForm(ctx context.Context, f *patient.Form) (*cache.Record, error) {
	if err := f.Validate(r.now()); err != nil {
		return nil, err
	}
	f.ID = ""
	raw, err := f.ToResource(nil)
	if err != nil {
		return nil, err
	}
	return r.create(ctx, raw)
}

// UpdateForm applies the flat form to the current payload, so elements the
// form does not carry are sent back unchanged.
func (r *Router) UpdateForm(ctx context.Context, id string, f *patient.Form) (*cache.Record, error) {
	if err := f.Validate(r.now()); err != nil {
		return nil, err
	}
	cur, err := r.remoteBacked.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.ID = id
	raw, err := f.ToResource(cur.Payload)
	if err != nil {
		return nil, err
	}
	return r.update(ctx, id, raw)
}

// SyncNow runs a sync cycle and returns its outcome.
func (r *Router) SyncNow(ctx context.Context) (*syncengine.Result, error) {
	return r.sched.SyncNow(ctx)
}

// SyncStatus reports the engine's state and last outcome.
func (r *Router) SyncStatus(ctx context.Context) (syncengine.Status, error) {
	return r.status.Status(ctx)
}

// Ping checks the cache store.
func (r *Router) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Router) create(ctx context.Context, raw json.RawMessage) (*cache.Record, error) {
	stored, err := r.remote.Create(ctx, raw)
	if err != nil {
		return nil, err
	}
	return r.cacheWrite(ctx, stored)
}

func (r *Router) update(ctx context.Context, id string, raw json.RawMessage) (*cache.Record, error) {
	stored, err := r.remote.Update(ctx, id, raw)
	if err != nil {
		if remote.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return r.cacheWrite(ctx, stored)
}

// cacheWrite stores what the remote returned. The remote write already
// happened, so a cache failure is logged and the next sync repairs the row.
func (r *Router) cacheWrite(ctx context.Context, stored json.RawMessage) (*cache.Record, error) {
	rec, err := patient.ToRecord(stored, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", remote.ErrMalformed, err)
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("patient_id", rec.ID).Msg("remote write succeeded but cache upsert failed")
	}
	return rec, nil
}

// withID sets the resource id to id.
func withID(raw json.RawMessage, id string) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	b, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	doc["id"] = b
	return json.Marshal(doc)
}
