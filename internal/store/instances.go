package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

// Instances keeps the last snapshot of instances that finished or handed
// off to a successor.
type Instances struct {
	kv storage.KV
}

func NewInstances(kv storage.KV) *Instances {
	return &Instances{kv: kv}
}

// Put records doc under its instanceId.
func (s *Instances) Put(ctx context.Context, doc task.Doc) error {
	id := doc.InstanceID()
	if id == "" {
		return ErrNoInstanceID
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", id, err)
	}
	return s.kv.Set(ctx, id, data)
}

// Get returns the recorded snapshot of id. A missing instance wraps
// storage.ErrNotFound.
func (s *Instances) Get(ctx context.Context, id string) (task.Doc, error) {
	data, err := s.kv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var doc task.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return doc, nil
}

// IDs returns the recorded instance ids.
func (s *Instances) IDs(ctx context.Context) ([]string, error) {
	return s.kv.Keys(ctx)
}
