package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/taskhub/internal/storage/dirstore"
)

// Dir stores each bucket as a directory tree under a root, one
// subdirectory per key.
type Dir struct {
	root    string
	mu      sync.Mutex
	buckets map[string]*dirBucket
}

// NewDir creates a directory backend rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root, buckets: make(map[string]*dirBucket)}
}

func (d *Dir) Bucket(name string) (KV, error) {
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[name]
	if !ok {
		b = &dirBucket{name: name, ds: dirstore.New(filepath.Join(d.root, name))}
		d.buckets[name] = b
	}
	return b, nil
}

func (d *Dir) Close() error { return nil }

type dirBucket struct {
	name string
	ds   *dirstore.DirStore
}

func (b *dirBucket) Get(_ context.Context, key string) ([]byte, error) {
	v, err := b.ds.Get(key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", b.name, key, ErrNotFound)
	}
	return v, err
}

func (b *dirBucket) Set(_ context.Context, key string, value []byte) error {
	return b.ds.Set(key, value)
}

func (b *dirBucket) Delete(_ context.Context, key string) error {
	return b.ds.Delete(key)
}

func (b *dirBucket) Keys(_ context.Context) ([]string, error) {
	return b.ds.Keys()
}
