package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ehr/fhircache/internal/platform/db"
	"github.com/ehr/fhircache/internal/platform/fhir"
)

// SQLiteStore keeps the cache in a single SQLite file. Timestamps are stored
// as unix nanoseconds so that ordering is numeric.
//
// SQLite's LOWER only folds ASCII, so contains-matching on non-ASCII names is
// case-sensitive here while the memory store folds full Unicode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	conn, provider, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info().
			Str("source", r.Source.Path).
			Int64("duration_ms", r.Duration.Milliseconds()).
			Msg("applied migration")
	}

	return &SQLiteStore{db: conn}, nil
}

// SQLiteMigrationStatus reports each embedded migration and whether it has
// been applied to the database at path. Nothing is applied.
func SQLiteMigrationStatus(ctx context.Context, path string) ([]db.MigrationStatus, error) {
	conn, provider, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: migration status: %w", err)
	}
	out := make([]db.MigrationStatus, 0, len(statuses))
	for _, st := range statuses {
		ms := db.MigrationStatus{
			Version: int(st.Source.Version),
			Name:    filepath.Base(st.Source.Path),
			Applied: st.State == goose.StateApplied,
		}
		if ms.Applied {
			at := st.AppliedAt
			ms.AppliedAt = &at
		}
		out = append(out, ms)
	}
	return out, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, *goose.Provider, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: open sqlite %s: %w", path, err)
	}
	// One writer keeps WAL commits ordered and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("cache: ping sqlite: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sqliteMigrations())
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("cache: creating migration provider: %w", err)
	}
	return conn, provider, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, r *Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patient_cache (`+recordCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			given=excluded.given, family=excluded.family, display_name=excluded.display_name,
			gender=excluded.gender, birth_date=excluded.birth_date, phone=excluded.phone,
			email=excluded.email, identifier=excluded.identifier, payload=excluded.payload,
			last_updated=excluded.last_updated, synced_at=excluded.synced_at`,
		r.ID, r.Given, r.Family, r.DisplayName, r.Gender, r.BirthDate, r.Phone, r.Email, r.Identifier,
		[]byte(r.Payload), unixNanos(r.LastUpdated), unixNanos(r.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("cache upsert %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecordSQLite(s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM patient_cache WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patient_cache WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) (*Page, error) {
	q = q.normalized()
	sq, err := buildSearch(q, fhir.QuestionPlaceholder, "BINARY")
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, sq.CountSQL(), sq.CountArgs()...).Scan(&total); err != nil {
		return nil, fmt.Errorf("cache count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sq.DataSQL(), sq.DataArgs(q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		r, err := scanRecordSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache iterate: %w", err)
	}
	return &Page{Records: out, Total: total}, nil
}

func (s *SQLiteStore) Watermark(ctx context.Context) (*time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT last_sync_started FROM sync_watermark WHERE id = 1`).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache watermark: %w", err)
	}
	t := fromUnixNanos(ns)
	return &t, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermark (id, last_sync_started) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_sync_started = excluded.last_sync_started`,
		unixNanos(t),
	)
	if err != nil {
		return fmt.Errorf("cache set watermark: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IDsSyncedBefore(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM patient_cache WHERE synced_at < ? ORDER BY id`, unixNanos(t))
	if err != nil {
		return nil, fmt.Errorf("cache stale ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordSQLite(row rowScanner) (*Record, error) {
	var r Record
	var payload []byte
	var lastUpdated, syncedAt int64
	err := row.Scan(
		&r.ID, &r.Given, &r.Family, &r.DisplayName, &r.Gender, &r.BirthDate, &r.Phone, &r.Email, &r.Identifier,
		&payload, &lastUpdated, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.LastUpdated = fromUnixNanos(lastUpdated)
	r.SyncedAt = fromUnixNanos(syncedAt)
	return &r, nil
}

// unixNanos maps the zero time to 0; UnixNano is undefined that far back.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
