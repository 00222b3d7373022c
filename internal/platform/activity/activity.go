// Package activity keeps a bounded, in-memory log of recent remote calls,
// sync cycles and cache repairs for the monitoring endpoint.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an Event.
type Kind string

const (
	KindRequest     Kind = "request"
	KindRemoteCall  Kind = "remote_call"
	KindSyncStart   Kind = "sync_start"
	KindSyncFinish  Kind = "sync_finish"
	KindSyncFail    Kind = "sync_fail"
	KindSyncSkip    Kind = "sync_skip"
	KindCacheRepair Kind = "cache_repair"
)

// DefaultCapacity is the number of events kept when none is configured.
const DefaultCapacity = 500

// Event is one monitoring entry.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	Method     string    `json:"method,omitempty"`
	Target     string    `json:"target,omitempty"`
	Status     int       `json:"status,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Message    string    `json:"message,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Recorder accepts events. A nil *Log is a valid Recorder that drops them.
type Recorder interface {
	Record(e Event)
}

// Log is a fixed-size ring of events; the oldest entry is overwritten first.
type Log struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
	now  func() time.Time
}

// NewLog creates a ring holding up to capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf: make([]Event, capacity),
		now: time.Now,
	}
}

// Record stores e, filling in ID and Time when unset.
func (l *Log) Record(e Event) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	l.buf[l.next] = e
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Event {
	if l == nil {
		return []Event{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}
