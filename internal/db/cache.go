package db

import (
	"database/sql"
	"fmt"
	"time"
)

// CacheRow is the persisted form of a client cache entry.
// Record holds the raw JSON so that rows from an older schema
// version can be detected before decoding.
type CacheRow struct {
	Key           string
	SchemaVersion int
	Record        string
	LastFetched   *time.Time
	UpdatedAt     time.Time
}

// LoadCacheRow returns the cache row for key, or nil when no
// row exists.
func (db *DB) LoadCacheRow(key string) (*CacheRow, error) {
	var (
		row         CacheRow
		lastFetched sql.NullInt64
		updatedAt   int64
	)
	err := db.reader.QueryRow(
		`SELECT cache_key, schema_version, record,
			last_fetched, updated_at
		 FROM progress_cache WHERE cache_key = ?`,
		key,
	).Scan(
		&row.Key, &row.SchemaVersion, &row.Record,
		&lastFetched, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cache row %s: %w", key, err)
	}
	if lastFetched.Valid {
		t := time.UnixMilli(lastFetched.Int64)
		row.LastFetched = &t
	}
	row.UpdatedAt = time.UnixMilli(updatedAt)
	return &row, nil
}

// SaveCacheRow inserts or replaces the row for row.Key.
func (db *DB) SaveCacheRow(row CacheRow) error {
	var lastFetched sql.NullInt64
	if row.LastFetched != nil {
		lastFetched = sql.NullInt64{
			Int64: row.LastFetched.UnixMilli(), Valid: true,
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.Exec(
		`INSERT INTO progress_cache
			(cache_key, schema_version, record,
			 last_fetched, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			schema_version = excluded.schema_version,
			record = excluded.record,
			last_fetched = excluded.last_fetched,
			updated_at = excluded.updated_at`,
		row.Key, row.SchemaVersion, row.Record,
		lastFetched, row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving cache row %s: %w", row.Key, err)
	}
	return nil
}

// DeleteCacheRow removes the row for key. Missing rows are
// not an error.
func (db *DB) DeleteCacheRow(key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.Exec(
		"DELETE FROM progress_cache WHERE cache_key = ?", key,
	)
	if err != nil {
		return fmt.Errorf("deleting cache row %s: %w", key, err)
	}
	return nil
}
