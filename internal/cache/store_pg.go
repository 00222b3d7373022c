package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhircache/internal/platform/db"
	"github.com/ehr/fhircache/internal/platform/fhir"
)

const recordCols = `id, given, family, display_name, gender, birth_date, phone, email, identifier, payload, last_updated, synced_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore keeps the cache in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	conn querier
}

// NewPostgresStore wraps an open pool. The schema must already be migrated.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, conn: pool}
}

// MigratePostgres applies pending cache migrations and returns how many ran.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	return db.NewMigrator(pool, PostgresMigrations()).Up(ctx)
}

// Pool exposes the underlying pool for health reporting.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Upsert(ctx context.Context, r *Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO patient_cache (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			given=EXCLUDED.given, family=EXCLUDED.family, display_name=EXCLUDED.display_name,
			gender=EXCLUDED.gender, birth_date=EXCLUDED.birth_date, phone=EXCLUDED.phone,
			email=EXCLUDED.email, identifier=EXCLUDED.identifier, payload=EXCLUDED.payload,
			last_updated=EXCLUDED.last_updated, synced_at=EXCLUDED.synced_at`,
		r.ID, r.Given, r.Family, r.DisplayName, r.Gender, r.BirthDate, r.Phone, r.Email, r.Identifier,
		[]byte(r.Payload), r.LastUpdated.UTC(), r.SyncedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache upsert %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecordPG(s.conn.QueryRow(ctx, `SELECT `+recordCols+` FROM patient_cache WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.Exec(ctx, `DELETE FROM patient_cache WHERE id = $1`, id); err != nil {
		return fmt.Errorf("cache delete %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) (*Page, error) {
	q = q.normalized()
	sq, err := buildSearch(q, fhir.DollarPlaceholder, `"C"`)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.conn.QueryRow(ctx, sq.CountSQL(), sq.CountArgs()...).Scan(&total); err != nil {
		return nil, fmt.Errorf("cache count: %w", err)
	}

	rows, err := s.conn.Query(ctx, sq.DataSQL(), sq.DataArgs(q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("cache query: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		r, err := scanRecordPG(rows)
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

func (s *PostgresStore) Watermark(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := s.conn.QueryRow(ctx, `SELECT last_sync_started FROM sync_watermark WHERE id = 1`).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache watermark: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sync_watermark (id, last_sync_started) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_sync_started = EXCLUDED.last_sync_started`,
		t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache set watermark: %w", err)
	}
	return nil
}

func (s *PostgresStore) IDsSyncedBefore(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := s.conn.Query(ctx, `SELECT id FROM patient_cache WHERE synced_at < $1 ORDER BY id`, t.UTC())
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

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecordPG(row pgx.Row) (*Record, error) {
	var r Record
	var payload []byte
	err := row.Scan(
		&r.ID, &r.Given, &r.Family, &r.DisplayName, &r.Gender, &r.BirthDate, &r.Phone, &r.Email, &r.Identifier,
		&payload, &r.LastUpdated, &r.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.LastUpdated = r.LastUpdated.UTC()
	r.SyncedAt = r.SyncedAt.UTC()
	return &r, nil
}

// buildSearch renders a query into SQL for either SQL backend.
func buildSearch(q Query, ph fhir.Placeholder, collation string) (*fhir.SearchQuery, error) {
	conds, err := q.Conditions()
	if err != nil {
		return nil, err
	}
	sortFields, desc, err := q.SortFields()
	if err != nil {
		return nil, err
	}

	sq := fhir.NewSearchQuery("patient_cache", recordCols).WithPlaceholder(ph)
	for _, c := range conds {
		if c.Match == MatchContains {
			sq.AddContains(c.Field.Column, c.Value)
		} else {
			sq.AddExact(c.Field.Column, c.Value)
		}
	}
	sq.OrderBy(orderClause(sortFields, desc, collation))
	return sq, nil
}
