package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMessage(t *testing.T) {
	d, err := ParseMessage([]byte(`{"task":{"instanceId":"I1","hub":{"command":"update"},"processor":{"id":"p1"}}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if d.InstanceID() != "I1" {
		t.Errorf("InstanceID: got %q, want %q", d.InstanceID(), "I1")
	}
	if d.Command() != CommandUpdate {
		t.Errorf("Command: got %q, want %q", d.Command(), CommandUpdate)
	}
	if d.ProcessorID() != "p1" {
		t.Errorf("ProcessorID: got %q, want %q", d.ProcessorID(), "p1")
	}
}

func TestParseMessageWithoutTask(t *testing.T) {
	if _, err := ParseMessage([]byte(`{"other":1}`)); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCommandFallsBackToProcessorCommand(t *testing.T) {
	d := Doc{"processor": map[string]any{"id": "p1", "command": "ping"}}
	if d.Command() != CommandPing {
		t.Fatalf("got %q, want ping", d.Command())
	}
}

func TestHubRoundTripKeepsNullPosition(t *testing.T) {
	d := Doc{}
	d.SetHub(Hub{Command: CommandUpdate, SourceProcessorID: "p1"})

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	pos, present := raw["hub"]["coProcessorPosition"]
	if !present || pos != nil {
		t.Fatalf("coProcessorPosition should be encoded as null, got %v (present=%v)", pos, present)
	}

	h, err := d.HubInfo()
	if err != nil {
		t.Fatal(err)
	}
	if h.Command != CommandUpdate || h.SourceProcessorID != "p1" || h.CoProcessorPosition != nil {
		t.Fatalf("unexpected hub %+v", h)
	}
}

func TestFromTaskAndBack(t *testing.T) {
	in := Task{
		InstanceID: "I1",
		ID:         "root.demo",
		FamilyID:   "F1",
		State:      &State{Current: "start"},
		Output:     map[string]any{"count": 1.0},
		Meta:       &Meta{MessageID: "m0"},
	}
	d, err := FromTask(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.Task()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHashIgnoresClaimAndCounter(t *testing.T) {
	d := Doc{"id": "x", "meta": map[string]any{"messageId": "m1"}}
	h := Hash(d)

	d.SetMeta("hash", h)
	d.SetMeta("messageCount", 7)
	if got := Hash(d); got != h {
		t.Fatalf("hash changed after stamping: %s != %s", got, h)
	}
	if _, _, ok := VerifyHash(d); !ok {
		t.Fatal("stamped snapshot should verify")
	}

	d["output"] = map[string]any{"tampered": true}
	if _, _, ok := VerifyHash(d); ok {
		t.Fatal("modified snapshot should not verify")
	}
}

func TestNewMessageIDOrdered(t *testing.T) {
	prev := NewMessageID()
	for i := 0; i < 100; i++ {
		next := NewMessageID()
		if next <= prev {
			t.Fatalf("message ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := Doc{"output": map[string]any{"a": 1.0}}
	c := d.Clone()
	c.Section("output")["a"] = 2.0
	if d.Section("output")["a"] != 1.0 {
		t.Fatal("clone aliases the original")
	}
}
