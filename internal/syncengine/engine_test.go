package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/remote"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func patientJSON(id string, updated time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"resourceType":"Patient","id":%q,"meta":{"lastUpdated":%q},"name":[{"family":"F-%s","given":["G"]}]}`,
		id, updated.Format(time.RFC3339Nano), id))
}

// fakeRemote serves a fixed list of pages and records the requests it saw.
type fakeRemote struct {
	mu       sync.Mutex
	pages    [][]json.RawMessage
	failPage int // 1-based page that fails, 0 for none
	requests []remote.SearchRequest
	block    chan struct{}
	entered  chan struct{}
	// others holds records Read can return that no page lists.
	others map[string]json.RawMessage
	reads  []string
}

func (f *fakeRemote) page(i int) (*remote.Page, error) {
	if f.failPage == i+1 {
		return nil, &remote.Error{Method: "GET", Path: "/Patient", StatusCode: 503, Message: "down", Err: remote.ErrServerError}
	}
	if i >= len(f.pages) {
		return &remote.Page{}, nil
	}
	p := &remote.Page{Resources: f.pages[i]}
	if i+1 < len(f.pages) {
		p.Next = fmt.Sprintf("page-%d", i+1)
	}
	return p, nil
}

func (f *fakeRemote) Search(ctx context.Context, req remote.SearchRequest) (*remote.Page, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.page(0)
}

func (f *fakeRemote) NextPage(_ context.Context, next string) (*remote.Page, error) {
	var i int
	if _, err := fmt.Sscanf(next, "page-%d", &i); err != nil {
		return nil, err
	}
	return f.page(i)
}

func (f *fakeRemote) Read(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	if raw, ok := f.others[id]; ok {
		return raw, nil
	}
	for _, page := range f.pages {
		for _, raw := range page {
			var doc struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(raw, &doc) == nil && doc.ID == id {
				return raw, nil
			}
		}
	}
	return nil, &remote.Error{Method: "GET", Path: "/Patient/" + id, StatusCode: 404, Message: "gone", Err: remote.ErrNotFound}
}

func (f *fakeRemote) lastRequest() remote.SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newEngine(store cache.Store, r Remote, cfg Config, clock *time.Time) *Engine {
	e := New(store, r, cfg, zerolog.Nop(), nil, nil)
	e.now = func() time.Time { return *clock }
	e.lastFullRun = *clock
	return e
}

func TestRun_FirstSyncTwoPages(t *testing.T) {
	store := cache.NewMemoryStore()
	fr := &fakeRemote{pages: [][]json.RawMessage{
		{patientJSON("c", t0.Add(-1*time.Minute)), patientJSON("b", t0.Add(-2*time.Minute))},
		{patientJSON("a", t0.Add(-3*time.Minute))},
	}}
	clock := t0
	e := newEngine(store, fr, Config{PageSize: 2}, &clock)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Mode != ModeFull || res.Synced != 3 || res.Pages != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Watermark == nil || !res.Watermark.Equal(t0) {
		t.Errorf("watermark = %v, want %v", res.Watermark, t0)
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 cached records, got %d", store.Len())
	}

	req := fr.lastRequest()
	if req.UpdatedAfter != nil {
		t.Error("first sync must not filter on _lastUpdated")
	}
	if len(req.Sort) != 1 || req.Sort[0].Field != "_lastUpdated" || !req.Sort[0].Descending {
		t.Errorf("expected descending recency, got %+v", req.Sort)
	}
	if req.Count != 2 {
		t.Errorf("expected page size 2, got %d", req.Count)
	}

	got, err := store.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastUpdated.Equal(t0.Add(-3 * time.Minute)) {
		t.Errorf("unexpected last updated %v", got.LastUpdated)
	}
}

func TestRun_IncrementalUsesWatermark(t *testing.T) {
	store := cache.NewMemoryStore()
	if err := store.SetWatermark(context.Background(), t0); err != nil {
		t.Fatal(err)
	}
	fr := &fakeRemote{pages: [][]json.RawMessage{{patientJSON("x", t0.Add(time.Minute))}}}
	clock := t0.Add(5 * time.Minute)
	e := newEngine(store, fr, Config{Lookback: 30 * time.Second}, &clock)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Mode != ModeIncremental || res.Synced != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	req := fr.lastRequest()
	if req.UpdatedAfter == nil || !req.UpdatedAfter.Equal(t0.Add(-30*time.Second)) {
		t.Errorf("UpdatedAfter = %v, want watermark minus lookback", req.UpdatedAfter)
	}
	if len(req.Sort) != 1 || req.Sort[0].Descending {
		t.Errorf("expected ascending recency, got %+v", req.Sort)
	}
	if req.Count != DefaultPageSize {
		t.Errorf("expected default page size, got %d", req.Count)
	}

	w, _ := store.Watermark(context.Background())
	if w == nil || !w.Equal(clock) {
		t.Errorf("watermark = %v, want %v", w, clock)
	}
}

func TestRun_FailureKeepsWatermarkAndPartialProgress(t *testing.T) {
	store := cache.NewMemoryStore()
	fr := &fakeRemote{
		pages: [][]json.RawMessage{
			{patientJSON("a", t0), patientJSON("b", t0)},
			{patientJSON("c", t0)},
		},
		failPage: 2,
	}
	clock := t0
	e := newEngine(store, fr, Config{PageSize: 2}, &clock)

	_, err := e.Run(context.Background())
	if !errors.Is(err, remote.ErrServerError) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if e.Running() {
		t.Error("engine must return to idle after a failure")
	}
	if w, _ := store.Watermark(context.Background()); w != nil {
		t.Errorf("watermark must stay unset, got %v", w)
	}
	if store.Len() != 2 {
		t.Errorf("expected records from the first page to stay, got %d", store.Len())
	}

	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateIdle || st.LastError == "" || st.LastErrorAt == nil {
		t.Errorf("unexpected status %+v", st)
	}
	if got := testutil.ToFloat64(e.metrics.cycles.WithLabelValues("full", "failure")); got != 1 {
		t.Errorf("expected 1 failed cycle metric, got %v", got)
	}
}

func TestRun_UnmappableRecordFailsCycle(t *testing.T) {
	store := cache.NewMemoryStore()
	fr := &fakeRemote{pages: [][]json.RawMessage{{json.RawMessage(`{"resourceType":"Patient"}`)}}}
	clock := t0
	e := newEngine(store, fr, Config{}, &clock)

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("expected error for a record without id")
	}
	if w, _ := store.Watermark(context.Background()); w != nil {
		t.Errorf("watermark must stay unset, got %v", w)
	}
}

func TestRun_WatermarkIsMonotonic(t *testing.T) {
	store := cache.NewMemoryStore()
	future := t0.Add(time.Hour)
	if err := store.SetWatermark(context.Background(), future); err != nil {
		t.Fatal(err)
	}
	clock := t0
	e := newEngine(store, &fakeRemote{}, Config{}, &clock)

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Watermark.Equal(future) {
		t.Errorf("watermark moved backwards to %v", res.Watermark)
	}
}

func TestRun_AtMostOneCycle(t *testing.T) {
	store := cache.NewMemoryStore()
	fr := &fakeRemote{
		pages:   [][]json.RawMessage{{patientJSON("a", t0)}},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	log := activity.NewLog(10)
	e := New(store, fr, Config{}, zerolog.Nop(), NewMetrics(nil), log)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Result
	var firstErr error
	go func() {
		defer wg.Done()
		first, firstErr = e.Run(context.Background())
	}()
	<-fr.entered

	if !e.Running() {
		t.Fatal("expected engine to be running")
	}
	st, _ := e.Status(context.Background())
	if st.State != StateRunning {
		t.Errorf("expected running state, got %s", st.State)
	}

	for i := 0; i < 5; i++ {
		res, err := e.Run(context.Background())
		if err != nil || !res.Skipped {
			t.Errorf("concurrent Run = %+v, %v; want skipped", res, err)
		}
	}

	close(fr.block)
	wg.Wait()
	if firstErr != nil || first.Skipped || first.Synced != 1 {
		t.Errorf("unexpected first result %+v, %v", first, firstErr)
	}
	if len(fr.requests) != 1 {
		t.Errorf("expected exactly one remote search, got %d", len(fr.requests))
	}
	if got := testutil.ToFloat64(e.metrics.skipped); got != 5 {
		t.Errorf("expected 5 skipped triggers, got %v", got)
	}
	if e.Running() {
		t.Error("expected engine to be idle")
	}
}

func TestRun_IncrementalCompleteness(t *testing.T) {
	store := cache.NewMemoryStore()
	clock := t0
	fr := &fakeRemote{pages: [][]json.RawMessage{{patientJSON("a", t0.Add(-time.Minute))}}}
	e := newEngine(store, fr, Config{}, &clock)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A record modified after the first cycle started is fetched by the next.
	clock = t0.Add(10 * time.Minute)
	fr.pages = [][]json.RawMessage{{patientJSON("a", t0.Add(2*time.Minute)), patientJSON("b", t0.Add(3*time.Minute))}}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := fr.lastRequest()
	if req.UpdatedAfter == nil || !req.UpdatedAfter.Before(t0.Add(2*time.Minute)) {
		t.Errorf("filter %v would miss updates made after the previous watermark", req.UpdatedAfter)
	}
	a, _ := store.Get(context.Background(), "a")
	if !a.LastUpdated.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("record a not refreshed: %v", a.LastUpdated)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 records, got %d", store.Len())
	}
}

func TestRun_ReconciliationRemovesVanishedRows(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	if err := store.SetWatermark(ctx, t0); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"kept", "vanished"} {
		r := &cache.Record{ID: id, Payload: patientJSON(id, t0), LastUpdated: t0, SyncedAt: t0}
		if err := store.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	clock := t0.Add(2 * time.Hour)
	fr := &fakeRemote{pages: [][]json.RawMessage{{patientJSON("kept", t0)}}}
	e := newEngine(store, fr, Config{FullResyncInterval: time.Hour}, &clock)
	e.lastFullRun = t0

	// Written by a confirmed remote write while the pass is running.
	fresh := &cache.Record{ID: "fresh", Payload: patientJSON("fresh", clock), LastUpdated: clock, SyncedAt: clock.Add(time.Second)}
	if err := store.Upsert(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Mode != ModeFull || res.Deleted != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if fr.lastRequest().UpdatedAfter != nil {
		t.Error("reconciliation pass must fetch the full collection")
	}
	if _, err := store.Get(ctx, "vanished"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected vanished row to be removed, got %v", err)
	}
	for _, id := range []string{"kept", "fresh"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("expected %s to stay: %v", id, err)
		}
	}

	// The next cycle is incremental again.
	clock = clock.Add(time.Minute)
	if res, err := e.Run(ctx); err != nil || res.Mode != ModeIncremental {
		t.Errorf("expected incremental cycle, got %+v, %v", res, err)
	}
}

func TestRun_ReconciliationKeepsRecordMovedBetweenPages(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	if err := store.SetWatermark(ctx, t0); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		r := &cache.Record{ID: id, Payload: patientJSON(id, t0), LastUpdated: t0, SyncedAt: t0}
		if err := store.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	// c was updated on the remote after the first page was fetched, so it
	// sorts ahead of the pages already read and the second page repeats b.
	clock := t0.Add(2 * time.Hour)
	fr := &fakeRemote{
		pages:  [][]json.RawMessage{{patientJSON("a", t0), patientJSON("b", t0)}, {patientJSON("b", t0)}},
		others: map[string]json.RawMessage{"c": patientJSON("c", clock)},
	}
	e := newEngine(store, fr, Config{FullResyncInterval: time.Hour}, &clock)
	e.lastFullRun = t0

	res, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Mode != ModeFull || res.Deleted != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	r, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("expected c to stay: %v", err)
	}
	if !r.LastUpdated.Equal(clock) {
		t.Errorf("expected c refreshed from the remote, got lastUpdated %v", r.LastUpdated)
	}
	if len(fr.reads) != 1 || fr.reads[0] != "c" {
		t.Errorf("expected only c to be confirmed, got %v", fr.reads)
	}
}

func TestRun_ReconciliationConfirmFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	if err := store.SetWatermark(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, &cache.Record{ID: "old", Payload: patientJSON("old", t0), SyncedAt: t0}); err != nil {
		t.Fatal(err)
	}

	clock := t0.Add(2 * time.Hour)
	fr := &fakeRemote{pages: [][]json.RawMessage{{patientJSON("a", t0)}}}
	e := newEngine(store, &unreadableRemote{fr}, Config{FullResyncInterval: time.Hour}, &clock)
	e.lastFullRun = t0

	if _, err := e.Run(ctx); err == nil {
		t.Fatal("expected failure when a deletion cannot be confirmed")
	}
	if _, err := store.Get(ctx, "old"); err != nil {
		t.Errorf("row must stay when the remote read failed: %v", err)
	}
	if w, _ := store.Watermark(ctx); w == nil || !w.Equal(t0) {
		t.Errorf("watermark must not move on failure, got %v", w)
	}
}

type unreadableRemote struct{ *fakeRemote }

func (unreadableRemote) Read(context.Context, string) (json.RawMessage, error) {
	return nil, &remote.Error{Method: "GET", StatusCode: 503, Message: "down", Err: remote.ErrServerError}
}

func TestRun_ReconciliationSkippedOnFailure(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	if err := store.SetWatermark(ctx, t0); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, &cache.Record{ID: "old", Payload: patientJSON("old", t0), SyncedAt: t0}); err != nil {
		t.Fatal(err)
	}

	clock := t0.Add(2 * time.Hour)
	fr := &fakeRemote{pages: [][]json.RawMessage{{patientJSON("a", t0)}, {patientJSON("b", t0)}}, failPage: 2}
	e := newEngine(store, fr, Config{FullResyncInterval: time.Hour}, &clock)
	e.lastFullRun = t0

	if _, err := e.Run(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := store.Get(ctx, "old"); err != nil {
		t.Errorf("rows must not be removed when a page failed: %v", err)
	}
}

func TestStatus_AfterSuccess(t *testing.T) {
	store := cache.NewMemoryStore()
	clock := t0
	e := newEngine(store, &fakeRemote{pages: [][]json.RawMessage{{patientJSON("a", t0)}}}, Config{}, &clock)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateIdle || st.LastResult == nil || st.LastResult.Synced != 1 || st.LastError != "" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Watermark == nil || !st.Watermark.Equal(t0) {
		t.Errorf("unexpected watermark %v", st.Watermark)
	}
	if got := testutil.ToFloat64(e.metrics.upserted); got != 1 {
		t.Errorf("expected 1 upsert metric, got %v", got)
	}
}
