package cache

import (
	"context"
	"time"
)

// Store is the local record table plus the singleton sync watermark.
//
// Upsert replaces the whole row and is idempotent. Get never consults the
// remote. Delete of an absent id is not an error. A nil watermark means the
// cache has never completed a sync.
type Store interface {
	Upsert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query) (*Page, error)

	Watermark(ctx context.Context) (*time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error

	// IDsSyncedBefore lists rows last written before t. The reconciliation
	// pass uses it to find rows the remote no longer reports.
	IDsSyncedBefore(ctx context.Context, t time.Time) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
