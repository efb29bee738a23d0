// Package cache holds the last known wizard progress snapshot
// together with the time it was last confirmed by the remote
// authority. It performs no validation of the record itself.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/wesm/wizardsync/internal/wizard"
)

// DefaultTTL is how long a confirmed snapshot is served
// without mandatory revalidation.
const DefaultTTL = 5 * time.Minute

// SchemaVersion is stamped on every persisted entry. Entries
// with any other version are discarded on read.
const SchemaVersion = 1

// ErrCorrupt reports a stored entry that was unparseable or
// written by an incompatible schema version. Callers treat it
// as a cache miss.
var ErrCorrupt = errors.New("cache entry corrupt")

// Entry is a cached record and the time of the last confirmed
// fetch. A zero LastFetched means never confirmed.
type Entry struct {
	Record      wizard.Record
	LastFetched time.Time
}

// Empty reports whether the entry carries no record at all.
func (e Entry) Empty() bool {
	return e.LastFetched.IsZero() && e.Record.Empty()
}

// Fresh reports whether the entry was confirmed less than ttl
// before now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	if e.LastFetched.IsZero() {
		return false
	}
	return now.Sub(e.LastFetched) < ttl
}

// Store is the narrow contract shared by the sync coordinator
// and the step saver.
type Store interface {
	// Read returns the current entry. A missing entry is a
	// zero Entry with a nil error.
	Read() (Entry, error)
	// Write replaces the record and stamps LastFetched = now.
	Write(rec wizard.Record) error
	// WriteOptimistic replaces the record but keeps the
	// previous LastFetched, so the TTL keeps running against
	// the last confirmed fetch.
	WriteOptimistic(rec wizard.Record) error
	// IsValid reports whether the entry is within its TTL.
	IsValid() bool
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, now: time.Now}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// SessionKey derives the storage key for one authenticated
// session against one server. The token itself is never
// persisted.
func SessionKey(serverURL, token string) string {
	h := sha256.Sum256([]byte(serverURL + "\x00" + token))
	return hex.EncodeToString(h[:16])
}
