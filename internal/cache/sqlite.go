package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/wizard"
)

// SQLite persists one entry per session key in the
// progress_cache table, so the snapshot survives restarts.
type SQLite struct {
	db   *db.DB
	key  string
	opts options
}

// NewSQLite returns a store for key backed by database.
func NewSQLite(database *db.DB, key string, opts ...Option) *SQLite {
	s := &SQLite{db: database, key: key, opts: defaultOptions()}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// Read decodes the stored entry. A row from another schema
// version or with unparseable JSON is deleted and reported as
// ErrCorrupt, so the next Read is a clean miss.
func (s *SQLite) Read() (Entry, error) {
	row, err := s.db.LoadCacheRow(s.key)
	if err != nil {
		return Entry{}, err
	}
	if row == nil {
		return Entry{}, nil
	}

	if row.SchemaVersion != SchemaVersion {
		s.discard(fmt.Sprintf(
			"schema version %d, want %d",
			row.SchemaVersion, SchemaVersion,
		))
		return Entry{}, fmt.Errorf(
			"schema version %d: %w", row.SchemaVersion, ErrCorrupt,
		)
	}

	var rec wizard.Record
	if err := json.Unmarshal([]byte(row.Record), &rec); err != nil {
		s.discard(err.Error())
		return Entry{}, fmt.Errorf("decoding record: %w: %v", ErrCorrupt, err)
	}

	e := Entry{Record: rec}
	if row.LastFetched != nil {
		e.LastFetched = *row.LastFetched
	}
	return e, nil
}

func (s *SQLite) discard(reason string) {
	log.Printf("cache: discarding entry %s: %s", s.key, reason)
	if err := s.db.DeleteCacheRow(s.key); err != nil {
		log.Printf("cache: %v", err)
	}
}

func (s *SQLite) Write(rec wizard.Record) error {
	now := s.opts.now()
	return s.save(rec, &now)
}

func (s *SQLite) WriteOptimistic(rec wizard.Record) error {
	var lastFetched *time.Time
	row, err := s.db.LoadCacheRow(s.key)
	if err != nil {
		return err
	}
	if row != nil && row.SchemaVersion == SchemaVersion {
		lastFetched = row.LastFetched
	}
	return s.save(rec, lastFetched)
}

func (s *SQLite) save(rec wizard.Record, lastFetched *time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return s.db.SaveCacheRow(db.CacheRow{
		Key:           s.key,
		SchemaVersion: SchemaVersion,
		Record:        string(data),
		LastFetched:   lastFetched,
		UpdatedAt:     s.opts.now(),
	})
}

func (s *SQLite) IsValid() bool {
	row, err := s.db.LoadCacheRow(s.key)
	if err != nil || row == nil || row.LastFetched == nil ||
		row.SchemaVersion != SchemaVersion {
		return false
	}
	e := Entry{LastFetched: *row.LastFetched}
	return e.Fresh(s.opts.now(), s.opts.ttl)
}
