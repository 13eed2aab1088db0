package coproc

import (
	"errors"
	"testing"

	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/task"
)

func chainOf(procs ...registry.Processor) *registry.Registry {
	r := registry.New()
	for _, p := range procs {
		p.CoProcessor = true
		r.Announce(p)
	}
	return r
}

func co(id string, commands ...string) registry.Processor {
	return registry.Processor{ID: id, CommandsAccepted: commands}
}

func update() task.Doc {
	d := task.Doc{"instanceId": "I1", "output": map[string]any{"n": 1}}
	d.SetHub(task.Hub{Command: task.CommandUpdate})
	return d
}

func hubOf(t *testing.T, d task.Doc) task.Hub {
	t.Helper()
	h, err := d.HubInfo()
	if err != nil {
		t.Fatalf("HubInfo: %v", err)
	}
	return h
}

func TestNoCoProcessorsBypasses(t *testing.T) {
	r := NewRouter(chainOf(), PolicySkip)
	step, err := r.Begin(update(), "p1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !step.Bypass || !step.Deliver() {
		t.Fatalf("expected bypass, got %+v", step)
	}
}

func TestChainRunsToCompletionOnce(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		var procs []registry.Processor
		for i := 0; i < n; i++ {
			procs = append(procs, co(string(rune('a'+i)), "update"))
		}
		r := NewRouter(chainOf(procs...), PolicySkip)

		doc := update()
		step, err := r.Begin(doc, "p1")
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}

		var visited []string
		deliveries, doneSeen := 0, 0
		for step.Next != "" {
			visited = append(visited, step.Next)
			h := hubOf(t, doc)
			if !h.CoProcessing || h.CoProcessorPosition == nil {
				t.Fatalf("n=%d: chain state lost: %+v", n, h)
			}
			if h.CoProcessingDone {
				t.Fatalf("n=%d: done set mid-chain", n)
			}
			step, err = r.Advance(doc, step.Next)
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
		}
		if step.Deliver() {
			deliveries++
		}
		h := hubOf(t, doc)
		if h.CoProcessingDone {
			doneSeen++
		}

		if len(visited) != n {
			t.Errorf("n=%d: visited %v", n, visited)
		}
		if deliveries != 1 || doneSeen != 1 || !step.Done {
			t.Errorf("n=%d: deliveries=%d done=%d step=%+v", n, deliveries, doneSeen, step)
		}
		if h.CoProcessing || h.CoProcessorPosition != nil {
			t.Errorf("n=%d: chain not closed: %+v", n, h)
		}
		if h.InitiatingProcessorID != "p1" {
			t.Errorf("n=%d: initiator = %q", n, h.InitiatingProcessorID)
		}
		if r.Enters(doc, "p1") {
			t.Errorf("n=%d: finished transition must not re-enter", n)
		}
	}
}

func TestSkipPolicy(t *testing.T) {
	r := NewRouter(chainOf(co("a", "update"), co("b", "start"), co("c", "update")), PolicySkip)
	doc := update()

	step, _ := r.Begin(doc, "p1")
	if step.Next != "a" {
		t.Fatalf("first hop = %q", step.Next)
	}
	step, _ = r.Advance(doc, "a")
	if step.Next != "c" {
		t.Fatalf("expected b skipped, next = %q", step.Next)
	}
	if pos := hubOf(t, doc).CoProcessorPosition; pos == nil || *pos != 2 {
		t.Fatalf("position = %v", pos)
	}
	step, _ = r.Advance(doc, "c")
	if !step.Done {
		t.Fatalf("expected done, got %+v", step)
	}
}

func TestSkipPolicyNothingAccepts(t *testing.T) {
	r := NewRouter(chainOf(co("a", "start")), PolicySkip)
	doc := update()
	step, err := r.Begin(doc, "p1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !step.Done || !hubOf(t, doc).CoProcessingDone {
		t.Fatalf("expected trivially finished chain, got %+v", step)
	}
}

func TestStallPolicy(t *testing.T) {
	r := NewRouter(chainOf(co("a", "update"), co("b", "start")), PolicyStall)
	doc := update()
	step, err := r.Begin(doc, "p1")
	if err != nil || step.Next != "a" {
		t.Fatalf("Begin: %+v %v", step, err)
	}
	if _, err := r.Advance(doc, "a"); !errors.Is(err, ErrChainStalled) {
		t.Fatalf("expected ErrChainStalled, got %v", err)
	}
}

func TestAdvanceRejectsOrdinarySender(t *testing.T) {
	r := NewRouter(chainOf(co("a", "update")), PolicySkip)
	doc := update()
	_, _ = r.Begin(doc, "p1")
	if _, err := r.Advance(doc, "p1"); !errors.Is(err, ErrNotCoProcessor) {
		t.Fatalf("expected ErrNotCoProcessor, got %v", err)
	}
}

func TestBypassingCommands(t *testing.T) {
	r := NewRouter(chainOf(co("a", "update", "partial", "sync")), PolicySkip)

	for _, cmd := range []task.Command{task.CommandPartial, task.CommandPing, task.CommandRegister, task.CommandSync} {
		d := task.Doc{"instanceId": "I1"}
		d.SetHub(task.Hub{Command: cmd})
		if r.Enters(d, "p1") {
			t.Errorf("%s must not enter the chain", cmd)
		}
	}

	sync := update()
	sync.SetHub(task.Hub{Command: task.CommandUpdate, CommandArgs: map[string]any{"sync": true}})
	if r.Enters(sync, "p1") {
		t.Error("sync update must not enter the chain")
	}

	if r.Enters(update(), "a") {
		t.Error("a coprocessor's own transition must not re-enter the chain")
	}
}

func TestSetPolicy(t *testing.T) {
	r := NewRouter(chainOf(), "")
	if r.Policy() != PolicySkip {
		t.Fatalf("default policy = %s", r.Policy())
	}
	if err := r.SetPolicy(PolicyStall); err != nil || r.Policy() != PolicyStall {
		t.Fatalf("SetPolicy: %v %s", err, r.Policy())
	}
	if err := r.SetPolicy("random"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
	if _, err := ParsePolicy("stall"); err != nil {
		t.Fatal(err)
	}
}

func TestDoneClaimFromProcessorIsCleared(t *testing.T) {
	r := NewRouter(chainOf(co("a", "update")), PolicySkip)

	doc := update()
	doc.SetHub(task.Hub{Command: task.CommandUpdate, CoProcessingDone: true})
	step, err := r.Begin(doc, "p1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if step.Next != "a" {
		t.Fatalf("echoed done flag skipped the chain: %+v", step)
	}
	if h := hubOf(t, doc); h.CoProcessingDone || !h.CoProcessing {
		t.Fatalf("unexpected hub %+v", h)
	}

	// Without coprocessors the claim is still dropped.
	bare := update()
	bare.SetHub(task.Hub{Command: task.CommandUpdate, CoProcessingDone: true})
	if _, err := NewRouter(chainOf(), PolicySkip).Begin(bare, "p1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if hubOf(t, bare).CoProcessingDone {
		t.Error("done flag survived a transition that ran no chain")
	}

	sync := update()
	sync.SetHub(task.Hub{Command: task.CommandUpdate, CoProcessingDone: true, CommandArgs: map[string]any{"sync": true}})
	step, _ = r.Begin(sync, "p1")
	if !step.Bypass || !hubOf(t, sync).CoProcessingDone {
		t.Fatalf("sync update must keep its flag and bypass: %+v", step)
	}
}
