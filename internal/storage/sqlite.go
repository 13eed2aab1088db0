package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores every bucket in one table of a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and prepares the schema.
// An empty path opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps a :memory: database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.init(context.Background(), path != ""); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context, onDisk bool) error {
	var stmts []string
	if onDisk {
		stmts = append(stmts,
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA busy_timeout=5000;",
		)
	}
	stmts = append(stmts, `
		CREATE TABLE IF NOT EXISTS kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);`)
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init sqlite %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLite) Bucket(name string) (KV, error) {
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b *sqliteBucket) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?;`, b.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", b.name, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", b.name, key, err)
	}
	return value, nil
}

func (b *sqliteBucket) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		b.name, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", b.name, key, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND key = ?;`, b.name, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE bucket = ? ORDER BY key;`, b.name)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", b.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s: %w", b.name, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
