package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

// defaultAccepted applies to processors that register without listing
// commands.
var defaultAccepted = []string{
	string(task.CommandStart),
	string(task.CommandUpdate),
	string(task.CommandError),
	string(task.CommandPartial),
}

func (h *Hub) register(ctx context.Context, pid string, doc task.Doc) error {
	if pid == "" {
		return fmt.Errorf("%w: register without processor.id", ErrProtocol)
	}
	hub, err := doc.HubInfo()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	p := registry.Processor{
		ID:               pid,
		CommandsAccepted: stringList(hub.Arg("commandsAccepted")),
		CoProcessor:      hub.BoolArg("coProcessor"),
		Environment:      hub.StringArg("environment"),
	}
	if n, ok := hub.Arg("priority").(float64); ok {
		p.Priority = int(n)
	}
	if len(p.CommandsAccepted) == 0 {
		p.CommandsAccepted = slices.Clone(defaultAccepted)
	}
	h.registry.Announce(p)
	h.updateProcessorGauges()
	h.publish(events.NewTypedEvent(events.SourceHub, events.ProcessorRegisteredPayload{
		ProcessorID:      p.ID,
		CommandsAccepted: p.CommandsAccepted,
		CoProcessor:      p.CoProcessor,
		Priority:         p.Priority,
		Environment:      p.Environment,
	}))

	return h.sendRaw(ctx, pid, task.Doc{"hub": map[string]any{
		"command":     string(task.CommandRegister),
		"commandArgs": map[string]any{"registered": true},
	}})
}

// start creates a new instance from commandArgs.init, or from
// commandArgs.id for the sender's user.
func (h *Hub) start(ctx context.Context, doc task.Doc, hub task.Hub, source string) error {
	req := startRequest{
		authenticate:  true,
		source:        source,
		prevInstance:  hub.StringArg("prevInstanceId"),
		prevMessageID: doc.MetaInfo().MessageID,
		chainDone:     hub.CoProcessingDone,
	}
	if req.prevInstance == "" {
		req.prevInstance = doc.InstanceID()
	}

	if init, ok := hub.Arg("init").(map[string]any); ok {
		req.descriptor = init
		if a, ok := hub.Arg("authenticate").(bool); ok {
			req.authenticate = a
		}
		req.userID = task.InitRequest{Descriptor: init, UserID: doc.UserID()}.DescriptorUserID()
	} else {
		id := hub.StringArg("id")
		if id == "" {
			return fmt.Errorf("%w: start without init or id", ErrProtocol)
		}
		req.userID = userOf(doc)
		req.descriptor = map[string]any{"id": id, "user": map[string]any{"id": req.userID}}
	}
	return h.startInstance(ctx, req)
}

type startRequest struct {
	descriptor    map[string]any
	userID        string
	authenticate  bool
	source        string
	prevInstance  string
	prevMessageID string
	familyID      string
	chainDone     bool
}

func (h *Hub) startInstance(ctx context.Context, req startRequest) error {
	instanceID := task.NewInstanceID()

	run := func() error {
		return h.withLock(ctx, instanceID, "start", func() error {
			return h.materialize(ctx, instanceID, req)
		})
	}
	if req.prevInstance == "" {
		return run()
	}
	return h.withLock(ctx, req.prevInstance, "start successor", run)
}

func (h *Hub) materialize(ctx context.Context, instanceID string, req startRequest) error {
	ir := task.InitRequest{
		InstanceID:            instanceID,
		Descriptor:            req.descriptor,
		UserID:                req.userID,
		Authenticate:          req.authenticate,
		InitiatingProcessorID: req.source,
		PrevInstanceID:        req.prevInstance,
		FamilyID:              req.familyID,
	}
	if prev, ok := h.previous(ctx, req.prevInstance); ok {
		if ir.FamilyID == "" {
			ir.FamilyID = prev.FamilyID()
		}
		ir.Input = h.familyInput(ctx, ir.FamilyID, prev)
	}

	doc, err := h.init.Init(ctx, ir)
	if err != nil {
		return fmt.Errorf("start %s: %w", ir.DescriptorID(), err)
	}
	doc["instanceId"] = instanceID
	doc.SetMeta("messageId", task.NewMessageID())
	doc.SetMeta("prevMessageId", nilIfEmpty(req.prevMessageID))
	doc.SetMeta("prevInstanceId", nilIfEmpty(req.prevInstance))
	doc["processors"] = h.assignProcessors(doc.Environments(), req.source)
	doc.SetHub(task.Hub{
		Command:               task.CommandStart,
		SourceProcessorID:     req.source,
		InitiatingProcessorID: req.source,
		CoProcessingDone:      req.chainDone,
	})
	h.stampHash(doc, nil)

	if err := h.active.Set(ctx, doc); err != nil {
		return err
	}
	h.metrics.SetActiveTasks(h.active.Len())
	slog.Info("task started",
		"instance_id", instanceID,
		"task_id", doc.ID(),
		"family_id", doc.FamilyID(),
		"source", req.source,
	)
	h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskStartedPayload{
		TaskID:         doc.ID(),
		FamilyID:       doc.FamilyID(),
		PrevInstanceID: req.prevInstance,
		Source:         req.source,
		Processors:     doc.ProcessorIDs(),
	}, instanceID))

	h.fanout(ctx, doc)
	return nil
}

// previous finds the predecessor snapshot among active and finished
// instances.
func (h *Hub) previous(ctx context.Context, id string) (task.Doc, bool) {
	if id == "" {
		return nil, false
	}
	if d, ok := h.active.Get(id); ok {
		return d, true
	}
	if h.instances == nil {
		return nil, false
	}
	d, err := h.instances.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("read previous instance", "instance_id", id, "error", err)
		}
		return nil, false
	}
	return d, true
}

// familyInput returns the output the family aggregator recorded for prev,
// or prev's own output when the aggregator has none.
func (h *Hub) familyInput(ctx context.Context, familyID string, prev task.Doc) map[string]any {
	if h.outputs != nil && familyID != "" {
		outputs, err := h.outputs.Get(ctx, familyID)
		if err != nil {
			slog.Warn("read family outputs", "family_id", familyID, "error", err)
		} else if out, ok := outputs[prev.ID()].(map[string]any); ok {
			return out
		}
	}
	return prev.Section("output")
}

// assignProcessors subscribes every ordinary processor running in one of
// environments (all of them when none is listed), plus the initiator.
func (h *Hub) assignProcessors(environments []string, source string) map[string]any {
	out := make(map[string]any)
	add := func(p registry.Processor) {
		out[p.ID] = map[string]any{
			"id":          p.ID,
			"environment": p.Environment,
			"command":     nil,
			"commandArgs": nil,
		}
	}
	for _, p := range h.registry.Processors() {
		if len(environments) == 0 || slices.Contains(environments, p.Environment) {
			add(p)
		}
	}
	if source != "" {
		if _, ok := out[source]; !ok {
			p, ok := h.registry.Processor(source)
			if !ok {
				p = registry.Processor{ID: source}
			}
			add(p)
		}
	}
	return out
}

func (h *Hub) update(ctx context.Context, doc task.Doc, hub task.Hub, source string) error {
	id := doc.InstanceID()
	if id == "" {
		return fmt.Errorf("%w: update without instanceId", ErrProtocol)
	}
	var follow task.Doc
	err := h.withLock(ctx, id, "update from "+source, func() error {
		canonical, ok := h.active.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoActiveTask, id)
		}
		patch := patchOf(doc)
		next := canonical.Merge(patch)
		gap := h.stampMessage(next, canonical, patch)
		next.SetHub(task.Hub{
			Command:               task.CommandUpdate,
			CommandArgs:           hub.CommandArgs,
			CommandDescription:    hub.CommandDescription,
			SourceProcessorID:     source,
			InitiatingProcessorID: source,
			CoProcessingDone:      hub.CoProcessingDone,
		})
		h.stampHash(next, patch)
		if err := h.active.Set(ctx, next); err != nil {
			return err
		}
		h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskUpdatedPayload{
			MessageID:  next.MetaInfo().MessageID,
			Source:     source,
			Recipients: len(h.active.Subscribers(id)),
			Gap:        gap,
		}, id))
		h.fanout(ctx, next)
		if next.Done() || hub.StringArg("nextTask") != "" {
			follow = next
		}
		return nil
	})
	if err != nil || follow == nil {
		return err
	}
	return h.doneOrNext(ctx, follow)
}

// sync applies commandArgs.syncTask to the target instance. The result is
// marked as having completed the coprocessor chain so it is never routed
// through it again.
func (h *Hub) sync(ctx context.Context, doc task.Doc, hub task.Hub, source string) error {
	id := hub.StringArg("instanceId")
	if id == "" {
		id = doc.InstanceID()
	}
	if id == "" {
		return ErrMissingSyncTarget
	}

	var patch task.Doc
	if st, ok := hub.Arg("syncTask").(map[string]any); ok {
		patch = patchOf(task.Doc(st))
	} else {
		patch = patchOf(doc)
	}

	var follow task.Doc
	err := h.withLock(ctx, id, "sync from "+source, func() error {
		canonical, ok := h.active.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoActiveTask, id)
		}
		next := canonical.Merge(patch)
		next["instanceId"] = id
		h.stampMessage(next, canonical, patch)
		next.SetHub(task.Hub{
			Command:               task.CommandUpdate,
			CommandArgs:           map[string]any{"sync": true},
			CommandDescription:    hub.CommandDescription,
			SourceProcessorID:     source,
			InitiatingProcessorID: source,
			CoProcessingDone:      true,
		})
		h.stampHash(next, patch)
		if err := h.active.Set(ctx, next); err != nil {
			return err
		}
		h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskSyncedPayload{
			MessageID: next.MetaInfo().MessageID,
			Source:    source,
		}, id))
		h.fanout(ctx, next)
		if next.Done() {
			follow = next
		}
		return nil
	})
	if err != nil || follow == nil {
		return err
	}
	return h.doneOrNext(ctx, follow)
}

// fail records an error raised by task logic. The instance stays active;
// without a canonical snapshot the error goes back to the source only.
func (h *Hub) fail(ctx context.Context, doc task.Doc, hub task.Hub, source string) error {
	id := doc.InstanceID()
	errPayload := doc["error"]
	slog.Warn("task error", "instance_id", id, "source", source, "error", errPayload)

	bounce := func() error {
		out := doc.Clone()
		out.SetHub(task.Hub{
			Command:               task.CommandError,
			CommandArgs:           hub.CommandArgs,
			SourceProcessorID:     source,
			InitiatingProcessorID: source,
			CoProcessingDone:      hub.CoProcessingDone,
		})
		h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskErrorPayload{
			Source: source,
			Error:  errPayload,
		}, id))
		if source == "" {
			return fmt.Errorf("%w: error without instance or source", ErrProtocol)
		}
		return h.sendRaw(ctx, source, out)
	}
	if id == "" {
		return bounce()
	}

	return h.withLock(ctx, id, "error from "+source, func() error {
		canonical, ok := h.active.Get(id)
		if !ok {
			return bounce()
		}
		patch := patchOf(doc)
		next := canonical.Merge(patch)
		h.stampMessage(next, canonical, patch)
		next.SetHub(task.Hub{
			Command:               task.CommandError,
			CommandArgs:           hub.CommandArgs,
			SourceProcessorID:     source,
			InitiatingProcessorID: source,
			CoProcessingDone:      hub.CoProcessingDone,
		})
		h.stampHash(next, patch)
		if err := h.active.Set(ctx, next); err != nil {
			return err
		}
		h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskErrorPayload{
			Source: source,
			Error:  errPayload,
			Active: true,
		}, id))
		h.fanout(ctx, next)
		return nil
	})
}

// partial forwards an interim payload to the other subscribers that accept
// it. Nothing is locked or stored.
func (h *Hub) partial(ctx context.Context, doc task.Doc, sender string, raw []byte) error {
	id := doc.InstanceID()
	if id == "" {
		return fmt.Errorf("%w: partial without instanceId", ErrProtocol)
	}
	for _, pid := range h.active.Subscribers(id) {
		if pid == sender {
			continue
		}
		p, ok := h.registry.Processor(pid)
		if !ok || !p.Accepts(string(task.CommandPartial)) {
			continue
		}
		h.deliver(ctx, pid, string(task.CommandPartial), raw, false)
	}
	return nil
}

// doneOrNext runs once a transition left the instance finished or asked for
// a successor. It runs outside the instance lock.
func (h *Hub) doneOrNext(ctx context.Context, doc task.Doc) error {
	hub, _ := doc.HubInfo()
	id := doc.InstanceID()
	nextTask := hub.StringArg("nextTask")

	if h.instances != nil {
		if err := h.instances.Put(ctx, doc); err != nil {
			return fmt.Errorf("record instance %s: %w", id, err)
		}
	}
	if h.outputs != nil && doc.FamilyID() != "" {
		if err := h.outputs.Add(ctx, doc.FamilyID(), doc.ID(), doc["output"]); err != nil {
			return fmt.Errorf("record output %s: %w", id, err)
		}
	}

	h.publish(events.NewTypedEventForInstance(events.SourceHub, events.TaskDonePayload{
		TaskID:   doc.ID(),
		FamilyID: doc.FamilyID(),
		Done:     doc.Done(),
		NextTask: nextTask,
	}, id))

	if nextTask != "" {
		userID := doc.UserID()
		err := h.startInstance(ctx, startRequest{
			descriptor:    map[string]any{"id": nextTask, "user": map[string]any{"id": userID}},
			userID:        userID,
			authenticate:  false,
			source:        hub.SourceProcessorID,
			prevInstance:  id,
			prevMessageID: doc.MetaInfo().MessageID,
			familyID:      doc.FamilyID(),
		})
		if err != nil {
			return fmt.Errorf("start next task %s: %w", nextTask, err)
		}
	}

	retired, err := h.retire(ctx, id, doc.MetaInfo().MessageID)
	h.metrics.SetActiveTasks(h.active.Len())
	if retired {
		slog.Info("task retired", "instance_id", id, "done", doc.Done(), "next_task", nextTask)
	}
	return err
}

// retire removes id from the active set if its snapshot is still the one
// carrying messageID. A transition that landed after it keeps the instance.
func (h *Hub) retire(ctx context.Context, id, messageID string) (bool, error) {
	retired := false
	err := h.withLock(ctx, id, "retire", func() error {
		current, ok := h.active.Get(id)
		if !ok {
			return nil
		}
		if got := current.MetaInfo().MessageID; got != messageID {
			slog.Info("task moved on before retire", "instance_id", id, "message_id", got, "finished", messageID)
			return nil
		}
		retired = true
		return h.active.Delete(ctx, id)
	})
	return retired, err
}

// stampMessage advances the messageId chain of next. An inbound messageId is
// kept when it links to the canonical one; anything else gets a fresh id. It
// reports whether the inbound chain had a gap.
func (h *Hub) stampMessage(next, canonical, patch task.Doc) bool {
	prevID := canonical.MetaInfo().MessageID
	in := patch.MetaInfo()

	if in.MessageID != "" && in.MessageID != prevID && in.PrevMessageID == prevID {
		next.SetMeta("messageId", in.MessageID)
		next.SetMeta("prevMessageId", nilIfEmpty(prevID))
		return false
	}

	gap := in.PrevMessageID != "" && in.PrevMessageID != prevID
	if gap {
		slog.Warn("message chain gap",
			"instance_id", canonical.InstanceID(),
			"canonical", prevID,
			"prev_message_id", in.PrevMessageID,
		)
	}
	next.SetMeta("messageId", task.NewMessageID())
	next.SetMeta("prevMessageId", nilIfEmpty(prevID))
	return gap
}

// stampHash sets meta.hash when stamping is on. Otherwise only a hash
// claimed by the inbound patch is kept, so it can be verified.
func (h *Hub) stampHash(doc, patch task.Doc) {
	switch {
	case h.hashSnapshots.Load():
		doc.SetMeta("hash", task.Hash(doc))
	case patch.MetaInfo().Hash == "":
		doc.SetMeta("hash", nil)
	}
}

// patchOf strips the fields of an inbound envelope that only the hub may
// set.
func patchOf(doc task.Doc) task.Doc {
	p := doc.Clone()
	for _, k := range []string{"hub", "processor", "processors", "user"} {
		delete(p, k)
	}
	if m := p.Section("meta"); m != nil {
		delete(m, "messageCount")
	}
	return p
}

func userOf(doc task.Doc) string {
	if u := doc.Section("user"); u != nil {
		if id, _ := u["id"].(string); id != "" {
			return id
		}
	}
	return doc.UserID()
}

func stringList(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
