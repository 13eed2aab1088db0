package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

// Recover reloads persisted snapshots after a restart. Subscriber lists are
// rebuilt from each snapshot's processors; delivery state starts empty, so
// the first message to each processor after a restart carries the full
// snapshot. Unreadable entries are skipped.
func (s *ActiveTasks) Recover(ctx context.Context) (int, error) {
	if s.kv == nil {
		return 0, nil
	}
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active snapshots: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("recover snapshot", "instance_id", key, "error", err)
			}
			continue
		}
		var doc task.Doc
		if err := json.Unmarshal(data, &doc); err != nil || doc.InstanceID() != key {
			slog.Warn("skip unreadable snapshot", "instance_id", key, "error", err)
			continue
		}

		s.mu.Lock()
		s.tasks[key] = doc
		for _, pid := range doc.ProcessorIDs() {
			s.subscribeLocked(key, pid)
		}
		s.mu.Unlock()
		recovered++
	}
	return recovered, nil
}
