package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskStartedPayload struct {
	TaskID         string   `json:"task_id"`
	FamilyID       string   `json:"family_id,omitempty"`
	PrevInstanceID string   `json:"prev_instance_id,omitempty"`
	Source         string   `json:"source"`
	Processors     []string `json:"processors"`
}

func (TaskStartedPayload) EventType() EventType { return EventTaskStarted }

type TaskUpdatedPayload struct {
	MessageID  string `json:"message_id"`
	Source     string `json:"source"`
	Recipients int    `json:"recipients"`
	Gap        bool   `json:"gap,omitempty"`
}

func (TaskUpdatedPayload) EventType() EventType { return EventTaskUpdated }

type TaskSyncedPayload struct {
	MessageID string `json:"message_id"`
	Source    string `json:"source"`
}

func (TaskSyncedPayload) EventType() EventType { return EventTaskSynced }

type TaskErrorPayload struct {
	Source string `json:"source"`
	Error  any    `json:"error,omitempty"`
	Active bool   `json:"active"`
}

func (TaskErrorPayload) EventType() EventType { return EventTaskError }

type TaskDonePayload struct {
	TaskID   string `json:"task_id"`
	FamilyID string `json:"family_id,omitempty"`
	Done     bool   `json:"done"`
	NextTask string `json:"next_task,omitempty"`
}

func (TaskDonePayload) EventType() EventType { return EventTaskDone }

// =============================================================================
// PROCESSOR EVENTS
// =============================================================================

type ProcessorConnectedPayload struct {
	ProcessorID string `json:"processor_id"`
}

func (ProcessorConnectedPayload) EventType() EventType { return EventProcessorConnected }

type ProcessorRegisteredPayload struct {
	ProcessorID      string   `json:"processor_id"`
	CommandsAccepted []string `json:"commands_accepted"`
	CoProcessor      bool     `json:"coprocessor"`
	Priority         int      `json:"priority,omitempty"`
	Environment      string   `json:"environment,omitempty"`
}

func (ProcessorRegisteredPayload) EventType() EventType { return EventProcessorRegistered }

type ProcessorDisconnectedPayload struct {
	ProcessorID string   `json:"processor_id"`
	Instances   []string `json:"instances,omitempty"`
}

func (ProcessorDisconnectedPayload) EventType() EventType { return EventProcessorDisconnected }

// =============================================================================
// FAULT EVENTS
// =============================================================================

type IntegrityMismatchPayload struct {
	Claimed string `json:"claimed"`
	Actual  string `json:"actual"`
}

func (IntegrityMismatchPayload) EventType() EventType { return EventIntegrityMismatch }

type DeliveryDroppedPayload struct {
	ProcessorID string `json:"processor_id"`
	Command     string `json:"command"`
	Reason      string `json:"reason"`
}

func (DeliveryDroppedPayload) EventType() EventType { return EventDeliveryDropped }

type LockStuckPayload struct {
	Description string        `json:"description"`
	HeldFor     time.Duration `json:"held_for"`
}

func (LockStuckPayload) EventType() EventType { return EventLockStuck }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventForInstance(source EventSource, payload EventPayload, instanceID string) Event {
	e := NewTypedEvent(source, payload)
	e.InstanceID = instanceID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
