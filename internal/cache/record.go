// Package cache holds the local mirror of remote Patient resources: the
// CachedRecord row, the query vocabulary shared by every backend, and the
// Store implementations (memory, PostgreSQL, SQLite).
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no row exists for the id.
	ErrNotFound = errors.New("cache: record not found")
	// ErrUnknownField is returned for filters or sort keys outside the
	// supported vocabulary.
	ErrUnknownField = errors.New("cache: unknown field")
)

// Record is the denormalized projection of one remote Patient. The flattened
// fields are derived from Payload; Payload itself is kept byte-for-byte.
type Record struct {
	ID          string          `json:"id"`
	Given       string          `json:"given"`
	Family      string          `json:"family"`
	DisplayName string          `json:"display_name"`
	Gender      string          `json:"gender"`
	BirthDate   string          `json:"birth_date"`
	Phone       string          `json:"phone"`
	Email       string          `json:"email"`
	Identifier  string          `json:"identifier"`
	Payload     json.RawMessage `json:"payload"`
	LastUpdated time.Time       `json:"last_updated"`
	SyncedAt    time.Time       `json:"synced_at"`
}

// Clone returns a deep copy, so that callers never share Payload bytes with
// a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = bytes.Clone(r.Payload)
	return &c
}

func (r *Record) validate() error {
	if r == nil {
		return fmt.Errorf("cache: nil record")
	}
	if r.ID == "" {
		return fmt.Errorf("cache: record without id")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("cache: record %s without payload", r.ID)
	}
	return nil
}
