package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/config"
)

const remotePatient = `{"resourceType":"Patient","id":"p1","meta":{"lastUpdated":"2024-05-01T10:00:00Z"},"name":[{"given":["Ada"],"family":"Lovelace"}],"gender":"female"}`

func testConfig(base string) *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "test",
		LogLevel:        "debug",
		FHIRBaseURL:     base,
		FHIRTimeout:     2 * time.Second,
		StoreDriver:     config.DriverMemory,
		SyncStaleness:   time.Hour,
		SyncPageSize:    50,
		CORSOrigins:     []string{"*"},
		RequestTimeout:  5 * time.Second,
		MaxBodySize:     "1M",
		ActivityLogSize: 10,
	}
}

func newTestServer(t *testing.T) (*server, *cache.MemoryStore, *int) {
	t.Helper()
	var reads int
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/fhir/Patient/p1":
			reads++
			io.WriteString(w, remotePatient)
		case r.Method == http.MethodGet && r.URL.Path == "/fhir/Patient":
			io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","entry":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found"}]}`)
		}
	}))
	t.Cleanup(fake.Close)

	store := cache.NewMemoryStore()
	srv, err := buildServer(testConfig(fake.URL+"/fhir"), zerolog.Nop(), store, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("buildServer() error: %v", err)
	}
	t.Cleanup(srv.scheduler.Close)
	return srv, store, &reads
}

func get(srv *server, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := get(srv, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != version {
		t.Errorf("version = %q, want %q", body["version"], version)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_Ready(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := get(srv, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if _, ok := body["sync"]; !ok {
		t.Error("expected sync detail in readiness body")
	}
	if _, ok := body["pool"]; ok {
		t.Error("memory store should not report pool stats")
	}
}

func TestServer_ReadThroughFullStack(t *testing.T) {
	srv, store, reads := newTestServer(t)

	rec := get(srv, "/fhir/Patient/p1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/fhir+json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if _, err := store.Get(context.Background(), "p1"); err != nil {
		t.Fatalf("expected read to populate the cache: %v", err)
	}

	// Second read is answered locally.
	rec = get(srv, "/fhir/Patient/p1", "Cache-Control", "only-if-cached")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from cache, got %d", rec.Code)
	}
	if *reads != 1 {
		t.Errorf("remote reads = %d, want 1", *reads)
	}

	rec = get(srv, "/fhir/Patient/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = get(srv, "/api/v1/activity")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/fhir/Patient/p1") {
		t.Errorf("expected request in activity log: %s", rec.Body.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	get(srv, "/fhir/Patient/p1")

	rec := get(srv, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fhircache_cache_reads_total") {
		t.Error("expected cache read counter in metrics output")
	}
}

func TestServer_BodyLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := strings.NewReader(`{"resourceType":"Patient","text":"` + strings.Repeat("x", 2<<20) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/fhir/Patient", body)
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := testConfig("http://fhir.example.com/fhir")
	store, pool, err := openStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer store.Close()
	if pool != nil {
		t.Error("expected nil pool for the memory driver")
	}
	if _, ok := store.(*cache.MemoryStore); !ok {
		t.Errorf("expected *cache.MemoryStore, got %T", store)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig("http://fhir.example.com/fhir")
	cfg.StoreDriver = "mongo"
	if _, _, err := openStore(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("http://fhir.example.com/fhir")
	cfg.LogLevel = "warn"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", got)
	}
	cfg.LogLevel = "nonsense"
	if got, want := newLogger(cfg).GetLevel(), zerolog.New(io.Discard).GetLevel(); got != want {
		t.Errorf("level = %v, want logger default %v", got, want)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig("http://fhir.example.com/fhir")
	cfg.SyncLookback = 5 * time.Second
	cfg.SyncFullResyncInterval = time.Hour
	ec := engineConfig(cfg)
	if ec.PageSize != 50 || ec.Lookback != 5*time.Second || ec.FullResyncInterval != time.Hour {
		t.Errorf("unexpected engine config: %+v", ec)
	}
}
