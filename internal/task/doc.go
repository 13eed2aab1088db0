package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dohr-michael/taskhub/internal/diff"
)

var (
	ErrNoTask    = errors.New("message has no task")
	ErrNoCommand = errors.New("task has no hub.command")
)

// Doc is the generic form of a task envelope, as decoded from JSON. The hub
// keeps canonical snapshots in this form so that diff and merge see exactly
// what travelled on the wire.
type Doc map[string]any

// ParseMessage decodes a raw `{ "task": {...} }` frame.
func ParseMessage(raw []byte) (Doc, error) {
	var m struct {
		Task map[string]any `json:"task"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Task == nil {
		return nil, ErrNoTask
	}
	return Doc(m.Task), nil
}

// Encode serializes d as a `{ "task": {...} }` frame.
func Encode(d Doc) ([]byte, error) {
	return json.Marshal(Message{Task: d})
}

// FromTask converts a typed task into its generic form.
func FromTask(t Task) (Doc, error) {
	return toDoc(t)
}

// Task returns the typed view of d. Untyped keys are ignored.
func (d Doc) Task() (Task, error) {
	var t Task
	if err := fromDoc(d, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// Clone returns a deep copy of d.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	return Doc(diff.Clone(map[string]any(d)).(map[string]any))
}

// Merge returns d with patch applied.
func (d Doc) Merge(patch Doc) Doc {
	out, _ := diff.Merge(map[string]any(d), map[string]any(patch)).(map[string]any)
	return Doc(out)
}

func (d Doc) str(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d Doc) InstanceID() string { return d.str("instanceId") }
func (d Doc) ID() string         { return d.str("id") }
func (d Doc) FamilyID() string   { return d.str("familyId") }
func (d Doc) UserID() string     { return d.str("userId") }
func (d Doc) GroupID() string    { return d.str("groupId") }

// Section returns a nested mapping, or nil.
func (d Doc) Section(key string) map[string]any {
	m, _ := d[key].(map[string]any)
	return m
}

// Command returns hub.command, falling back to processor.command which
// older processors use for ping.
func (d Doc) Command() Command {
	if h := d.Section("hub"); h != nil {
		if c, _ := h["command"].(string); c != "" {
			return Command(c)
		}
	}
	if p := d.Section("processor"); p != nil {
		if c, _ := p["command"].(string); c != "" {
			return Command(c)
		}
	}
	return ""
}

// ProcessorID returns processor.id.
func (d Doc) ProcessorID() string {
	p := d.Section("processor")
	if p == nil {
		return ""
	}
	s, _ := p["id"].(string)
	return s
}

// IsCoProcessor reports processor.isCoProcessor.
func (d Doc) IsCoProcessor() bool {
	p := d.Section("processor")
	if p == nil {
		return false
	}
	b, _ := p["isCoProcessor"].(bool)
	return b
}

// Done reports state.done.
func (d Doc) Done() bool {
	s := d.Section("state")
	if s == nil {
		return false
	}
	b, _ := s["done"].(bool)
	return b
}

// HubInfo decodes the hub section.
func (d Doc) HubInfo() (Hub, error) {
	var h Hub
	raw, ok := d["hub"]
	if !ok || raw == nil {
		return h, nil
	}
	if err := fromDoc(raw, &h); err != nil {
		return Hub{}, fmt.Errorf("decode hub: %w", err)
	}
	return h, nil
}

// SetHub replaces the hub section.
func (d Doc) SetHub(h Hub) {
	m, err := toDoc(h)
	if err != nil {
		// Hub holds only JSON-safe fields.
		panic(err)
	}
	d["hub"] = map[string]any(m)
}

// MetaInfo decodes the meta section.
func (d Doc) MetaInfo() Meta {
	var m Meta
	if raw, ok := d["meta"]; ok && raw != nil {
		_ = fromDoc(raw, &m)
	}
	return m
}

// SetMeta sets a single meta field, creating the section if needed.
func (d Doc) SetMeta(key string, value any) {
	m := d.Section("meta")
	if m == nil {
		m = make(map[string]any)
		d["meta"] = m
	}
	if value == nil {
		delete(m, key)
		return
	}
	m[key] = value
}

// ProcessorIDs returns the sorted keys of the processors section.
func (d Doc) ProcessorIDs() []string {
	p := d.Section("processors")
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Environments returns the environments a task runs in.
func (d Doc) Environments() []string {
	raw, _ := d["environments"].([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toDoc(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func fromDoc(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
