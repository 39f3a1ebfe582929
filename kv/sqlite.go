package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite is a durable Store kept in a single SQLite table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path, ensures the data
// directory exists, and creates the kv table.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "kv: create data dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "kv: open")
	}
	// WAL lets readers proceed while a write is in flight; busy_timeout makes
	// writers wait instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kv: pragmas")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &SQLite{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}'
);
`)
	return errors.Wrap(err, "kv: ensure schema")
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, error) {
	var value, raw string
	err := s.db.QueryRowContext(ctx, `SELECT value, metadata FROM kv WHERE key = ?`, key).Scan(&value, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "kv: get %s", key)
	}
	md, err := decodeMetadata(raw)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "kv: metadata of %s", key)
	}
	return Entry{Key: key, Value: value, Metadata: md}, nil
}

func (s *SQLite) Put(ctx context.Context, key, value string, md Metadata) error {
	raw, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value, metadata) VALUES (?, ?, ?)`, key, value, raw)
	return errors.Wrapf(err, "kv: put %s", key)
}

// PutIf reads the current value, compares its version and then writes with a
// conditional statement, so a concurrent writer that slipped in between is
// detected by the affected-row count.
func (s *SQLite) PutIf(ctx context.Context, key, value, version string, md Metadata) error {
	raw, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	var res sql.Result
	if version == NoVersion {
		res, err = s.db.ExecContext(ctx, `INSERT INTO kv (key, value, metadata) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`, key, value, raw)
	} else {
		current, gerr := s.Get(ctx, key)
		if errors.Is(gerr, ErrNotFound) {
			return ErrVersionMismatch
		}
		if gerr != nil {
			return gerr
		}
		if current.Version() != version {
			return ErrVersionMismatch
		}
		res, err = s.db.ExecContext(ctx, `UPDATE kv SET value = ?, metadata = ? WHERE key = ? AND value = ?`, value, raw, key, current.Value)
	}
	if err != nil {
		return errors.Wrapf(err, "kv: put %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "kv: put %s", key)
	}
	if n != 1 {
		return ErrVersionMismatch
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrapf(err, "kv: delete %s", key)
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "kv: list")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "kv: list")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "kv: list")
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func encodeMetadata(md Metadata) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", errors.Wrap(err, "kv: encode metadata")
	}
	return string(b), nil
}

func decodeMetadata(raw string) (Metadata, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, err
	}
	return md, nil
}
