// Package packagecache stores verified distribution packages in a local
// SQLite database so detection runs survive process restarts without
// re-downloading.
package packagecache

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/model"
)

// Cache is the durable package store. All content in it is re-derivable
// from the distribution service, so failures on open degrade to an empty
// cache rather than a fatal error.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the cache database at path. A corrupt database
// is deleted and recreated empty.
func Open(path string) (*Cache, error) {
	db, err := openAndMigrate(path)
	if err != nil {
		logging.S().Warnw("package cache unreadable, resetting to empty",
			"path", path, "error", err)
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}
	return &Cache{db: db, path: path}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS packages (
	key        TEXT PRIMARY KEY,
	region     TEXT NOT NULL,
	date       TEXT NOT NULL,
	hour       INTEGER,
	payload    BLOB NOT NULL,
	etag       TEXT NOT NULL DEFAULT '',
	fetched_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packages_date ON packages(date);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Has reports whether a package for the identity is stored.
func (c *Cache) Has(id model.PackageIdentity) (bool, error) {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM packages WHERE key = ?`, id.Key()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query package: %w", err)
	}
	return true, nil
}

// Put stores a verified payload for the identity. Idempotent; a repeated
// put for the same identity replaces the previous entry (last write wins).
func (c *Cache) Put(id model.PackageIdentity, payload []byte, etag string) error {
	var hour interface{}
	if id.Hour != nil {
		hour = *id.Hour
	}
	_, err := c.db.Exec(`
INSERT INTO packages (key, region, date, hour, payload, etag, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	payload = excluded.payload,
	etag = excluded.etag,
	fetched_at = excluded.fetched_at`,
		id.Key(), id.Region, id.Date.Format("2006-01-02"), hour,
		payload, etag, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store package %s: %w", id, err)
	}
	return nil
}

// ETag returns the stored ETag for an identity, if present.
func (c *Cache) ETag(id model.PackageIdentity) (string, bool) {
	var etag string
	err := c.db.QueryRow(`SELECT etag FROM packages WHERE key = ?`, id.Key()).Scan(&etag)
	if err != nil {
		return "", false
	}
	return etag, true
}

// Missing returns the subset of candidates not yet stored, preserving
// order. The provider uses this to compute the minimal fetch plan.
func (c *Cache) Missing(candidates []model.PackageIdentity) ([]model.PackageIdentity, error) {
	var missing []model.PackageIdentity
	for _, id := range candidates {
		ok, err := c.Has(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Payloads returns the stored payloads for the given identities, skipping
// identities with no entry.
func (c *Cache) Payloads(ids []model.PackageIdentity) ([][]byte, error) {
	var payloads [][]byte
	for _, id := range ids {
		var payload []byte
		err := c.db.QueryRow(`SELECT payload FROM packages WHERE key = ?`, id.Key()).Scan(&payload)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read package %s: %w", id, err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// Manifest lists all stored identities, oldest date first.
func (c *Cache) Manifest() ([]model.PackageIdentity, error) {
	rows, err := c.db.Query(`SELECT key FROM packages ORDER BY date, hour`)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var ids []model.PackageIdentity
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		id, err := model.ParseKey(key)
		if err != nil {
			logging.S().Warnw("skipping unparseable cache key", "key", key)
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored packages.
func (c *Cache) Count() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM packages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count packages: %w", err)
	}
	return n, nil
}

// Prune deletes entries whose date is older than the cutoff. Reads and
// prunes serialize through the database, so an in-flight detection read
// never observes a half-pruned range.
func (c *Cache) Prune(olderThan time.Time) (int64, error) {
	res, err := c.db.Exec(`DELETE FROM packages WHERE date < ?`, olderThan.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("prune packages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Reset drops every entry.
func (c *Cache) Reset() error {
	if _, err := c.db.Exec(`DELETE FROM packages`); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	return nil
}
