package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()

	lease, err := m.Acquire(context.Background(), "I1", "test")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.Locked("I1") {
		t.Fatal("expected I1 locked")
	}
	lease.Release()
	lease.Release() // idempotent
	if m.Locked("I1") {
		t.Fatal("expected I1 unlocked")
	}
}

func TestAcquireEmptyKey(t *testing.T) {
	m := NewManager()
	if _, err := m.Acquire(context.Background(), "", "test"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := m.TryAcquire("", "test"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestTryAcquireFailsFast(t *testing.T) {
	m := NewManager()
	lease, err := m.TryAcquire("I1", "first")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := m.TryAcquire("I1", "second"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	lease.Release()
	lease2, err := m.TryAcquire("I1", "third")
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	lease2.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	m := NewManager()
	lease, _ := m.Acquire(context.Background(), "I1", "holder")
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "I1", "waiter"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	m := NewManager()
	func() {
		defer func() { _ = recover() }()
		_ = m.Do(context.Background(), "I1", "panics", func() error {
			panic("boom")
		})
	}()
	if m.Locked("I1") {
		t.Fatal("lock leaked after panic")
	}
}

func TestDoReleasesOnError(t *testing.T) {
	m := NewManager()
	want := errors.New("handler failed")
	if err := m.Do(context.Background(), "I1", "fails", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if m.Locked("I1") {
		t.Fatal("lock leaked after error")
	}
}

func TestMutualExclusion(t *testing.T) {
	m := NewManager()
	var inside, maxInside int32
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Do(context.Background(), "I1", "worker", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if counter != 50 {
		t.Fatalf("lost updates: counter = %d, want 50", counter)
	}
}

func TestDifferentInstancesDoNotBlock(t *testing.T) {
	m := NewManager()
	lease, _ := m.Acquire(context.Background(), "I1", "slow")
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := m.Acquire(ctx, "I2", "fast")
	if err != nil {
		t.Fatalf("I2 blocked by I1: %v", err)
	}
	other.Release()
}

func TestHeldAndWatchdog(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.now = func() time.Time { return now }

	lease, _ := m.Acquire(context.Background(), "I1", "stuck handler")
	defer lease.Release()

	now = now.Add(5 * time.Minute)

	var reported []string
	w := NewWatchdog(m, WatchdogConfig{
		StuckAfter: time.Minute,
		OnStuck:    func(h Holding) { reported = append(reported, h.ID) },
	})
	stuck := w.Check()
	if len(stuck) != 1 || stuck[0].ID != "I1" || stuck[0].Description != "stuck handler" {
		t.Fatalf("unexpected stuck list %+v", stuck)
	}
	if len(reported) != 1 {
		t.Fatalf("expected one report, got %v", reported)
	}
	if !m.Locked("I1") {
		t.Fatal("watchdog must not release locks")
	}
}

func TestSweep(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.now = func() time.Time { return now }

	a, _ := m.Acquire(context.Background(), "idle", "")
	a.Release()
	b, _ := m.Acquire(context.Background(), "busy", "")
	defer b.Release()

	now = now.Add(time.Hour)
	if n := m.Sweep(time.Minute); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if m.Len() != 1 {
		t.Fatalf("expected busy entry kept, have %d entries", m.Len())
	}
}

func TestScheduleAddsCronEntry(t *testing.T) {
	w := NewWatchdog(NewManager(), WatchdogConfig{})
	c := cron.New()
	if _, err := w.Schedule(c, 30*time.Second); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one cron entry, got %d", len(c.Entries()))
	}
}
