package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Keys written by the service.
const (
	KeyHostVersion   = "host.version"
	KeyHostHealthy   = "host.healthy"
	KeyHostCheckedAt = "host.checked_at"
)

const (
	kvUpsert = `INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
	kvLive = `(expires_at IS NULL OR expires_at >= ?)`
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// expiry returns the expires_at column value for ttl; zero means never.
func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

func kvPut(ex execer, key, value string, expiresAt any) error {
	_, err := ex.Exec(kvUpsert, key, value, expiresAt)
	return err
}

// KVSet stores value under key. A zero ttl never expires.
func (db *DB) KVSet(key, value string, ttl time.Duration) error {
	return kvPut(db, key, value, expiry(ttl))
}

// KVSetMany writes every pair atomically with the same ttl, so readers never
// see a half-updated group such as host health.
func (db *DB) KVSetMany(values map[string]string, ttl time.Duration) error {
	exp := expiry(ttl)
	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		for key, value := range values {
			if err := kvPut(tx, key, value, exp); err != nil {
				return err
			}
		}
		return nil
	})
}

// KVGet returns the value for key, or ErrNotFound if it is missing or expired.
func (db *DB) KVGet(key string) (string, error) {
	var value string
	err := db.QueryRow(
		"SELECT value FROM kv_store WHERE key = ? AND "+kvLive,
		key, time.Now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// KVList returns the live pairs whose key starts with prefix.
func (db *DB) KVList(prefix string) (map[string]string, error) {
	rows, err := db.Query(
		"SELECT key, value FROM kv_store WHERE substr(key, 1, length(?)) = ? AND "+kvLive,
		prefix, prefix, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// KVCleanExpired deletes expired pairs and reports how many went.
func (db *DB) KVCleanExpired() (int64, error) {
	res, err := db.Exec("DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
