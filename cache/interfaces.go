// Package cache provides the client-side resource cache with TTL-based
// staleness checks. Two scopes exist: a session-scoped in-memory store and a
// durable on-disk store that survives restarts.
package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached snapshot of a resource with its capture time.
type Entry struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Body      json.RawMessage `json:"body"`
}

// Store is the contract shared by both cache scopes.
//
// Read returns the entry together with a freshness flag: a stale entry is
// still returned (with fresh=false) so callers can serve it while refreshing
// in the background. A nil entry means a miss. maxAge <= 0 disables the
// staleness check. The store never evicts entries on its own; only an
// explicit Invalidate or a write-through removes or replaces them.
type Store interface {
	Read(key string, maxAge time.Duration) (*Entry, bool)
	Write(key string, body []byte) error
	Invalidate(key string) error
}

// Decode unmarshals the entry body into out. Callers treat a decode failure
// as a cache miss, not a fatal error.
func (e *Entry) Decode(out any) error {
	return json.Unmarshal(e.Body, out)
}
