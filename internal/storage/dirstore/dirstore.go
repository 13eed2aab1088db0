// Package dirstore keeps keyed values on disk, one directory per key holding
// a value.json plus optional JSONL journals.
package dirstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const valueFile = "value.json"

// DirStore is a directory-backed key/value bucket.
type DirStore struct {
	mu      sync.RWMutex
	baseDir string
}

// New creates a DirStore rooted at baseDir. The directory is created on the
// first write.
func New(baseDir string) *DirStore {
	return &DirStore{baseDir: baseDir}
}

// Dir returns the directory holding key.
func (ds *DirStore) Dir(key string) string {
	return filepath.Join(ds.baseDir, url.PathEscape(key))
}

func (ds *DirStore) path(key, name string) string {
	return filepath.Join(ds.Dir(key), name)
}

// Get returns the value stored for key. A missing key yields an error
// matching fs.ErrNotExist.
func (ds *DirStore) Get(key string) ([]byte, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	data, err := os.ReadFile(ds.path(key, valueFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set atomically replaces the value of key using a temp file + rename.
func (ds *DirStore) Set(key string, value []byte) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := os.MkdirAll(ds.Dir(key), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	path := ds.path(key, valueFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Delete removes key with its journals. Deleting a missing key is not an
// error.
func (ds *DirStore) Delete(key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return os.RemoveAll(ds.Dir(key))
}

// Keys returns every key that has a value, sorted.
func (ds *DirStore) Keys() ([]string, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", ds.baseDir, err)
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(ds.baseDir, entry.Name(), valueFile)); err != nil {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Append adds a JSON-encoded line to the named journal of key.
func (ds *DirStore) Append(key, journal string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", journal, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := os.MkdirAll(ds.Dir(key), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	f, err := os.OpenFile(ds.path(key, journal), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", journal, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", journal, err)
	}
	return nil
}

// Journal reads every line of the named journal of key. A missing journal
// yields nil; corrupted lines are skipped.
func Journal[T any](ds *DirStore, key, journal string) ([]T, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	f, err := os.Open(ds.path(key, journal))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", journal, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", journal, err)
	}
	return items, nil
}
