package dirstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	ds := New(t.TempDir())

	if err := ds.Set("abc123", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := ds.Get("abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Get = %s", got)
	}

	if err := ds.Delete("abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ds.Get("abc123"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist after Delete, got %v", err)
	}
	if err := ds.Delete("abc123"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestKeysEscapesAndSkipsStrays(t *testing.T) {
	base := t.TempDir()
	ds := New(base)

	for _, k := range []string{"b", "a/with/slash", "c"} {
		if err := ds.Set(k, []byte("1")); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	// A directory without value.json and a plain file are ignored.
	if err := os.MkdirAll(filepath.Join(base, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "stray.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	keys, err := ds.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"a/with/slash", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestKeysNonExistent(t *testing.T) {
	ds := New(filepath.Join(t.TempDir(), "nope"))
	keys, err := ds.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if keys != nil {
		t.Errorf("expected nil, got %v", keys)
	}
}

type line struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

func TestAppendAndJournal(t *testing.T) {
	ds := New(t.TempDir())

	lines := []line{{1, "first"}, {2, "second"}, {3, "third"}}
	for _, l := range lines {
		if err := ds.Append("I1", "transitions.jsonl", l); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := Journal[line](ds, "I1", "transitions.jsonl")
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("Journal returned %d items, want %d", len(got), len(lines))
	}
	for i := range lines {
		if got[i] != lines[i] {
			t.Errorf("item[%d] = %+v, want %+v", i, got[i], lines[i])
		}
	}
}

func TestJournalMissing(t *testing.T) {
	ds := New(t.TempDir())
	got, err := Journal[line](ds, "nonexistent", "transitions.jsonl")
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
