package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/domain/patient"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/remote"
)

// ReadSource answers point reads.
type ReadSource interface {
	Get(ctx context.Context, id string) (*cache.Record, error)
}

// localSource answers from the cache only.
type localSource struct {
	store   cache.Store
	metrics *Metrics
}

func (s *localSource) Get(ctx context.Context, id string) (*cache.Record, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.read(sourceCache)
	return r, nil
}

// remoteBackedSource answers from the cache and, on a miss, reads the remote
// and stores what it returned. Concurrent misses for one id share a single
// remote call.
type remoteBackedSource struct {
	store   cache.Store
	remote  Remote
	logger  zerolog.Logger
	rec     activity.Recorder
	metrics *Metrics
	now     func() time.Time

	group singleflight.Group
}

func (s *remoteBackedSource) Get(ctx context.Context, id string) (*cache.Record, error) {
	r, err := s.store.Get(ctx, id)
	if err == nil {
		s.metrics.read(sourceCache)
		return r, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	// The shared fetch must not die with whichever caller started it; the
	// remote client bounds it with its own request timeout. Each caller
	// still gives up when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(id, func() (interface{}, error) {
		return s.fetch(fetchCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s.metrics.read(sourceRemote)
		return res.Val.(*cache.Record).Clone(), nil
	}
}

func (s *remoteBackedSource) fetch(ctx context.Context, id string) (*cache.Record, error) {
	raw, err := s.remote.Read(ctx, id)
	if remote.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	r, err := patient.ToRecord(raw, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("remote patient %s: %w", id, err)
	}
	if r.ID != id {
		return nil, fmt.Errorf("%w: read of %s returned patient %s", remote.ErrMalformed, id, r.ID)
	}
	if err := s.store.Upsert(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("patient_id", id).Msg("cache repair failed")
		return r, nil
	}
	s.rec.Record(activity.Event{
		Kind:    activity.KindCacheRepair,
		Target:  id,
		Message: "cached after remote read",
	})
	return r, nil
}
