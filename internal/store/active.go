// Package store holds the canonical snapshot of every active task instance
// together with its subscriber indices, and the persistent stores for
// finished instances and family outputs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

// Bucket names used in the storage backend.
const (
	BucketActive    = "active"
	BucketInstances = "instances"
	BucketOutputs   = "outputs"
)

var ErrNoInstanceID = errors.New("snapshot has no instanceId")

// ActiveTasks is the canonical store. It keeps one snapshot per instance, the
// instance→processor subscriber lists, the processor→instance reverse index,
// and the snapshot last delivered to each (instance, processor) pair.
//
// Snapshot writes are expected under the instance lock; the store itself only
// guarantees that its maps stay consistent.
type ActiveTasks struct {
	mu          sync.RWMutex
	tasks       map[string]task.Doc
	subscribers map[string][]string
	byProcessor map[string]map[string]struct{}
	lastSent    map[string]map[string]task.Doc

	kv storage.KV
}

// NewActiveTasks creates an empty store. A non-nil kv receives a copy of
// every snapshot write.
func NewActiveTasks(kv storage.KV) *ActiveTasks {
	return &ActiveTasks{
		tasks:       make(map[string]task.Doc),
		subscribers: make(map[string][]string),
		byProcessor: make(map[string]map[string]struct{}),
		lastSent:    make(map[string]map[string]task.Doc),
		kv:          kv,
	}
}

// Get returns a copy of the canonical snapshot of id.
func (s *ActiveTasks) Get(id string) (task.Doc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Set stores a copy of doc as the canonical snapshot of doc.instanceId. The
// first write of an instance subscribes every processor listed in
// doc.processors.
func (s *ActiveTasks) Set(ctx context.Context, doc task.Doc) error {
	id := doc.InstanceID()
	if id == "" {
		return ErrNoInstanceID
	}

	s.mu.Lock()
	_, existed := s.tasks[id]
	s.tasks[id] = doc.Clone()
	if !existed {
		for _, pid := range doc.ProcessorIDs() {
			s.subscribeLocked(id, pid)
		}
	}
	s.mu.Unlock()

	return s.persist(ctx, id, doc)
}

func (s *ActiveTasks) persist(ctx context.Context, id string, doc task.Doc) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", id, err)
	}
	if err := s.kv.Set(ctx, id, data); err != nil {
		return fmt.Errorf("persist snapshot %s: %w", id, err)
	}
	return nil
}

// Delete removes the snapshot of id with its subscriber list, reverse index
// entries and delivery state.
func (s *ActiveTasks) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	for _, pid := range s.subscribers[id] {
		s.unindexLocked(pid, id)
	}
	delete(s.subscribers, id)
	delete(s.lastSent, id)
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// List returns copies of every active snapshot ordered by instance id.
func (s *ActiveTasks) List() []task.Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]task.Doc, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Len returns the number of active instances.
func (s *ActiveTasks) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Subscribers returns the processors subscribed to id in subscription order.
func (s *ActiveTasks) Subscribers(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subscribers[id])
}

// HasSubscribers reports whether id has a subscriber list at all.
func (s *ActiveTasks) HasSubscribers(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribers[id]
	return ok
}

// Subscribe adds processorID to the subscribers of id.
func (s *ActiveTasks) Subscribe(id, processorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(id, processorID)
}

func (s *ActiveTasks) subscribeLocked(id, pid string) {
	if pid == "" || slices.Contains(s.subscribers[id], pid) {
		return
	}
	s.subscribers[id] = append(s.subscribers[id], pid)
	set, ok := s.byProcessor[pid]
	if !ok {
		set = make(map[string]struct{})
		s.byProcessor[pid] = set
	}
	set[id] = struct{}{}
}

func (s *ActiveTasks) unindexLocked(pid, id string) {
	set, ok := s.byProcessor[pid]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.byProcessor, pid)
	}
}

// InstancesOf returns the instances processorID is subscribed to, sorted.
func (s *ActiveTasks) InstancesOf(processorID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byProcessor[processorID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropProcessor removes processorID from every subscriber list, deleting
// lists that become empty, and drops its reverse entry and delivery state.
// It returns the instances it was removed from. Calling it for an unknown
// processor is a no-op.
func (s *ActiveTasks) DropProcessor(processorID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for id := range s.byProcessor[processorID] {
		affected = append(affected, id)
		subs := slices.DeleteFunc(s.subscribers[id], func(p string) bool { return p == processorID })
		if len(subs) == 0 {
			delete(s.subscribers, id)
			slog.Debug("instance has no subscribers left", "instance_id", id)
		} else {
			s.subscribers[id] = subs
		}
	}
	delete(s.byProcessor, processorID)

	for id, sent := range s.lastSent {
		delete(sent, processorID)
		if len(sent) == 0 {
			delete(s.lastSent, id)
		}
	}
	sort.Strings(affected)
	return affected
}

// LastSent returns the snapshot last delivered to processorID for id.
func (s *ActiveTasks) LastSent(id, processorID string) (task.Doc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.lastSent[id][processorID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// RecordSent remembers doc as delivered to processorID for id.
func (s *ActiveTasks) RecordSent(id, processorID string, doc task.Doc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, ok := s.lastSent[id]
	if !ok {
		sent = make(map[string]task.Doc)
		s.lastSent[id] = sent
	}
	sent[processorID] = doc.Clone()
}
