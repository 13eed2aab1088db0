package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dohr-michael/taskhub/internal/lock"
	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

func TestFamilyOutputsAccumulate(t *testing.T) {
	ctx := context.Background()
	kv, _ := storage.NewMemory().Bucket(BucketOutputs)
	f := NewFamilyOutputs(kv, lock.NewManager())

	empty, err := f.Get(ctx, "F1")
	if err != nil || len(empty) != 0 {
		t.Fatalf("Get unknown family: %v %v", empty, err)
	}

	if err := f.Add(ctx, "F1", "step1", map[string]any{"a": 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.Add(ctx, "F1", "step2", map[string]any{"b": true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.Add(ctx, "F2", "step1", "other"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := f.Get(ctx, "F1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := map[string]any{
		"step1": map[string]any{"a": float64(1)},
		"step2": map[string]any{"b": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outputs (-want +got):\n%s", diff)
	}
}

func TestFamilyOutputsConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	kv, _ := storage.NewMemory().Bucket(BucketOutputs)
	f := NewFamilyOutputs(kv, lock.NewManager())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.Add(ctx, "F1", fmt.Sprintf("t%d", i), i)
		}(i)
	}
	wg.Wait()

	got, _ := f.Get(ctx, "F1")
	if len(got) != 20 {
		t.Fatalf("lost outputs: have %d, want 20", len(got))
	}
}

func TestFamilyOutputsRequireFamily(t *testing.T) {
	kv, _ := storage.NewMemory().Bucket(BucketOutputs)
	f := NewFamilyOutputs(kv, lock.NewManager())
	if err := f.Add(context.Background(), "", "t", nil); err == nil {
		t.Fatal("expected error for empty family")
	}
}

func TestInstances(t *testing.T) {
	ctx := context.Background()
	kv, _ := storage.NewMemory().Bucket(BucketInstances)
	s := NewInstances(kv)

	if _, err := s.Get(ctx, "I1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	doc := task.Doc{"instanceId": "I1", "state": map[string]any{"done": true}}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "I1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Done() {
		t.Error("expected done snapshot")
	}
	ids, _ := s.IDs(ctx)
	if diff := cmp.Diff([]string{"I1"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if err := s.Put(ctx, task.Doc{}); !errors.Is(err, ErrNoInstanceID) {
		t.Errorf("expected ErrNoInstanceID, got %v", err)
	}
}
