// Package coproc routes task transitions through the ordered chain of
// coprocessors before ordinary fan-out.
package coproc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/task"
)

// Policy decides what happens when the next coprocessor does not accept the
// command being routed.
type Policy string

const (
	// PolicySkip moves on to the next coprocessor that accepts the command.
	PolicySkip Policy = "skip"
	// PolicyStall aborts the transition with ErrChainStalled.
	PolicyStall Policy = "stall"
)

var (
	ErrChainStalled   = errors.New("coprocessor chain stalled")
	ErrNotCoProcessor = errors.New("sender is not a coprocessor")
	ErrUnknownPolicy  = errors.New("unknown coprocessor policy")
)

// ParsePolicy validates a configured policy name. Empty means skip.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyStall:
		return PolicyStall, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Chain lists the coprocessors in routing order.
type Chain interface {
	CoProcessors() []registry.Processor
}

// Step is the outcome of routing one envelope.
type Step struct {
	// Next is the coprocessor the envelope must be forwarded to. Nothing
	// else may see the envelope while Next is set.
	Next string
	// Done is set when the chain ran to completion in this pass.
	Done bool
	// Bypass is set when the envelope never entered the chain.
	Bypass bool
}

// Deliver reports whether ordinary dispatch may proceed.
func (s Step) Deliver() bool { return s.Next == "" }

// Router moves envelopes along the chain. It keeps no per-envelope state:
// everything lives in the hub section of the envelope.
type Router struct {
	chain  Chain
	policy atomic.Value
}

func NewRouter(chain Chain, policy Policy) *Router {
	r := &Router{chain: chain}
	if policy == "" {
		policy = PolicySkip
	}
	r.policy.Store(policy)
	return r
}

// Policy returns the active policy.
func (r *Router) Policy() Policy { return r.policy.Load().(Policy) }

// SetPolicy switches the policy for subsequent routing.
func (r *Router) SetPolicy(p Policy) error {
	parsed, err := ParsePolicy(string(p))
	if err != nil {
		return err
	}
	r.policy.Store(parsed)
	return nil
}

// InChain reports whether doc is currently traversing the chain.
func InChain(doc task.Doc) bool {
	h, err := doc.HubInfo()
	return err == nil && h.CoProcessing
}

// Enters reports whether a fresh transition sent by sender must go through
// the chain. Transitions already marked done, sync updates and traffic from
// coprocessors themselves bypass it.
func (r *Router) Enters(doc task.Doc, sender string) bool {
	cmd := doc.Command()
	if !cmd.Transitions() {
		return false
	}
	h, err := doc.HubInfo()
	if err != nil || h.CoProcessing || h.CoProcessingDone || h.BoolArg("sync") {
		return false
	}
	return !r.isCoProcessor(sender)
}

func (r *Router) isCoProcessor(id string) bool {
	for _, p := range r.chain.CoProcessors() {
		if p.ID == id {
			return true
		}
	}
	return false
}

// clearDoneClaim drops a coProcessingDone flag carried in by an ordinary
// processor. Replicas echo the flag after every chain pass, so only sync
// updates and coprocessors may present it.
func (r *Router) clearDoneClaim(doc task.Doc, sender string) {
	h, err := doc.HubInfo()
	if err != nil || !h.CoProcessingDone || h.BoolArg("sync") || h.Command == task.CommandSync {
		return
	}
	if r.isCoProcessor(sender) {
		return
	}
	h.CoProcessingDone = false
	doc.SetHub(h)
}

// Begin starts the chain for a fresh transition from sourceID. doc's hub
// section is updated in place; a coProcessingDone claim from an ordinary
// processor is cleared first.
func (r *Router) Begin(doc task.Doc, sourceID string) (Step, error) {
	r.clearDoneClaim(doc, sourceID)
	if !r.Enters(doc, sourceID) {
		return Step{Bypass: true}, nil
	}
	chain := r.chain.CoProcessors()
	if len(chain) == 0 {
		return Step{Bypass: true}, nil
	}
	h, err := doc.HubInfo()
	if err != nil {
		return Step{}, err
	}
	h.InitiatingProcessorID = sourceID
	h.SourceProcessorID = sourceID

	pos, err := r.next(chain, -1, h.Command)
	if err != nil {
		return Step{}, err
	}
	if pos < 0 {
		finish(&h)
		doc.SetHub(h)
		slog.Debug("no coprocessor accepts command", "command", h.Command, "instance_id", doc.InstanceID())
		return Step{Done: true}, nil
	}

	h.CoProcessing = true
	h.CoProcessorPosition = &pos
	h.CoProcessingDone = false
	doc.SetHub(h)
	return Step{Next: chain[pos].ID}, nil
}

// Advance handles an envelope returned by coprocessor senderID while the
// chain is running. It forwards to the next accepting coprocessor or ends the
// chain.
func (r *Router) Advance(doc task.Doc, senderID string) (Step, error) {
	h, err := doc.HubInfo()
	if err != nil {
		return Step{}, err
	}
	if !h.CoProcessing {
		return Step{Bypass: true}, nil
	}
	chain := r.chain.CoProcessors()
	at := -1
	for i, p := range chain {
		if p.ID == senderID {
			at = i
			break
		}
	}
	if at < 0 {
		return Step{}, fmt.Errorf("%w: %s", ErrNotCoProcessor, senderID)
	}
	if h.CoProcessorPosition != nil && *h.CoProcessorPosition != at {
		slog.Warn("coprocessor position does not match sender",
			"instance_id", doc.InstanceID(),
			"position", *h.CoProcessorPosition,
			"sender", senderID,
			"sender_position", at,
		)
	}

	pos, err := r.next(chain, at, h.Command)
	if err != nil {
		return Step{}, err
	}
	if pos < 0 {
		finish(&h)
		doc.SetHub(h)
		return Step{Done: true}, nil
	}
	h.CoProcessorPosition = &pos
	doc.SetHub(h)
	return Step{Next: chain[pos].ID}, nil
}

// next returns the position after from of the coprocessor that should see
// command, or -1 when the chain is exhausted.
func (r *Router) next(chain []registry.Processor, from int, command task.Command) (int, error) {
	for i := from + 1; i < len(chain); i++ {
		if chain[i].Accepts(string(command)) {
			return i, nil
		}
		if r.Policy() == PolicyStall {
			return 0, fmt.Errorf("%w: %s does not accept %s", ErrChainStalled, chain[i].ID, command)
		}
		slog.Debug("skip coprocessor", "processor_id", chain[i].ID, "command", command)
	}
	return -1, nil
}

func finish(h *task.Hub) {
	h.CoProcessing = false
	h.CoProcessorPosition = nil
	h.CoProcessingDone = true
}
