package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe, in-memory Store. It backs STORE_DRIVER=memory
// and the tests of every package above the cache.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	watermark *time.Time
}

// NewMemoryStore creates a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, r *Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) (*Page, error) {
	q = q.normalized()
	conds, err := q.Conditions()
	if err != nil {
		return nil, err
	}
	sortFields, desc, err := q.SortFields()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		ok := true
		for _, c := range conds {
			if !c.matches(r) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return less(matched[i], matched[j], sortFields, desc)
	})

	total := len(matched)
	if q.Offset >= total {
		return &Page{Records: []*Record{}, Total: total}, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	out := make([]*Record, 0, end-q.Offset)
	for _, r := range matched[q.Offset:end] {
		out = append(out, r.Clone())
	}
	return &Page{Records: out, Total: total}, nil
}

func (s *MemoryStore) Watermark(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.watermark == nil {
		return nil, nil
	}
	w := *s.watermark
	return &w, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.UTC()
	s.watermark = &t
	return nil
}

func (s *MemoryStore) IDsSyncedBefore(_ context.Context, t time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.records {
		if r.SyncedAt.Before(t) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of cached rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
