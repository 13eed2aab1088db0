// Package storage provides the key/value backends behind the task stores and
// the per-instance audit log.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverDir    = "dir"
)

// KV is a single bucket of opaque values.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Backend hands out named buckets sharing one underlying store.
type Backend interface {
	Bucket(name string) (KV, error)
	Close() error
}

// Open creates the backend selected by driver. path is a database file for
// sqlite and a root directory for dir; it is ignored for memory.
func Open(driver, path string) (Backend, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(path)
	case DriverDir:
		return NewDir(path), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
