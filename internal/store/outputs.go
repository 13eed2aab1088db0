package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/taskhub/internal/lock"
	"github.com/dohr-michael/taskhub/internal/storage"
)

// FamilyOutputs accumulates the output of every task of a family, keyed by
// task id, so later tasks of the chain can read earlier results.
type FamilyOutputs struct {
	kv    storage.KV
	locks *lock.Manager
}

// NewFamilyOutputs creates the aggregator. Read-modify-write cycles are
// serialized per family through locks.
func NewFamilyOutputs(kv storage.KV, locks *lock.Manager) *FamilyOutputs {
	return &FamilyOutputs{kv: kv, locks: locks}
}

func familyKey(familyID string) string { return "family:" + familyID }

// Add records output as the output of taskID within familyID, replacing an
// earlier output of the same task.
func (f *FamilyOutputs) Add(ctx context.Context, familyID, taskID string, output any) error {
	if familyID == "" {
		return errors.New("family id is required")
	}
	return f.locks.Do(ctx, familyKey(familyID), "family output "+taskID, func() error {
		outputs, err := f.Get(ctx, familyID)
		if err != nil {
			return err
		}
		outputs[taskID] = output
		data, err := json.Marshal(outputs)
		if err != nil {
			return fmt.Errorf("encode outputs %s: %w", familyID, err)
		}
		return f.kv.Set(ctx, familyID, data)
	})
}

// Get returns the outputs of familyID; an unknown family yields an empty
// map.
func (f *FamilyOutputs) Get(ctx context.Context, familyID string) (map[string]any, error) {
	data, err := f.kv.Get(ctx, familyID)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outputs %s: %w", familyID, err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode outputs %s: %w", familyID, err)
	}
	return out, nil
}
