package storage

import (
	"log/slog"

	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/storage/dirstore"
)

const (
	auditJournal = "events.jsonl"
	globalKey    = "_global"
)

// AuditLog persists bus events as JSONL, one journal per task instance.
// Events without an instance go to the _global journal.
type AuditLog struct {
	ds          *dirstore.DirStore
	unsubscribe func()
}

// NewAuditLog subscribes to every bus event and writes it under dir.
func NewAuditLog(dir string, bus *events.Bus) *AuditLog {
	al := &AuditLog{ds: dirstore.New(dir)}
	al.unsubscribe = bus.Subscribe(al.handleEvent)
	return al
}

// Close unsubscribes the log from the event bus.
func (al *AuditLog) Close() {
	if al.unsubscribe != nil {
		al.unsubscribe()
	}
}

func (al *AuditLog) handleEvent(e events.Event) {
	if err := al.ds.Append(journalKey(e.InstanceID), auditJournal, e); err != nil {
		slog.Warn("audit log write failed", "instance_id", e.InstanceID, "type", e.Type, "error", err)
	}
}

// Trail returns the recorded events of one instance in write order. An
// empty instanceID returns the global journal.
func (al *AuditLog) Trail(instanceID string) ([]events.Event, error) {
	return dirstore.Journal[events.Event](al.ds, journalKey(instanceID), auditJournal)
}

func journalKey(instanceID string) string {
	if instanceID == "" {
		return globalKey
	}
	return instanceID
}
