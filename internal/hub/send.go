package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dohr-michael/taskhub/internal/diff"
	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/task"
)

// fanout sends the canonical snapshot to every subscriber of its instance.
func (h *Hub) fanout(ctx context.Context, doc task.Doc) {
	h.verify(doc)
	for _, pid := range h.active.Subscribers(doc.InstanceID()) {
		h.send(ctx, pid, doc)
	}
}

// forward hands an envelope in the coprocessor chain to the next
// coprocessor. The chain sees whole envelopes, never diffs.
func (h *Hub) forward(ctx context.Context, doc task.Doc, next string) error {
	out := doc.Clone()
	delete(out, "processors")
	out["processor"] = h.view(next, doc, out.Section("hub"))
	return h.sendRaw(ctx, next, out)
}

// send delivers the canonical snapshot doc to pid. update, sync and error
// carry the diff against what pid saw last; an empty diff sends nothing.
func (h *Hub) send(ctx context.Context, pid string, doc task.Doc) {
	id := doc.InstanceID()
	hubSection := doc.Section("hub")
	cmd := doc.Command()

	out := doc.Clone()
	isDiff := false
	if cmd == task.CommandUpdate || cmd == task.CommandError || cmd == task.CommandSync {
		if prev, ok := h.active.LastSent(id, pid); ok {
			d, _ := diff.Diff(map[string]any(prev), map[string]any(doc)).(map[string]any)
			if diff.IsEmpty(d) {
				slog.Debug("nothing to send", "instance_id", id, "processor_id", pid)
				return
			}
			out = task.Doc(d)
			isDiff = true
		}
	}

	out["instanceId"] = id
	out["hub"] = diff.Clone(hubSection)
	if locked, ok := doc.Section("meta")["locked"]; ok {
		out.SetMeta("locked", locked)
	}
	delete(out, "processors")
	out["processor"] = h.view(pid, doc, hubSection)
	delete(out, "users")
	if u := h.userView(doc); u != nil {
		out["user"] = u
	}

	if err := h.deliverDoc(ctx, pid, string(cmd), out, isDiff); err != nil {
		return
	}
	h.active.RecordSent(id, pid, doc)
}

// sendRaw delivers an envelope built by the hub itself, with no diffing.
func (h *Hub) sendRaw(ctx context.Context, pid string, doc task.Doc) error {
	return h.deliverDoc(ctx, pid, string(doc.Command()), doc, false)
}

func (h *Hub) deliverDoc(ctx context.Context, pid, cmd string, doc task.Doc, isDiff bool) error {
	doc.SetMeta("messageCount", h.messageCount.Add(1))
	raw, err := json.Marshal(task.Message{Task: doc})
	if err != nil {
		slog.Error("encode envelope", "processor_id", pid, "error", err)
		return err
	}
	return h.deliver(ctx, pid, cmd, raw, isDiff)
}

var errNoConnection = errors.New("no connection")

// deliver writes raw to the connection bound to pid. Failures affect that
// recipient only.
func (h *Hub) deliver(ctx context.Context, pid, cmd string, raw []byte, isDiff bool) error {
	conn, ok := h.registry.Lookup(pid)
	if !ok {
		h.drop(pid, cmd, "no_connection")
		return errNoConnection
	}
	if err := conn.Send(ctx, raw); err != nil {
		slog.Warn("send failed", "processor_id", pid, "command", cmd, "error", err)
		h.drop(pid, cmd, "send_failed")
		return err
	}
	h.metrics.Sent(cmd, isDiff)
	return nil
}

func (h *Hub) drop(pid, cmd, reason string) {
	slog.Warn("delivery dropped", "processor_id", pid, "command", cmd, "reason", reason)
	h.metrics.Dropped(reason)
	h.publish(events.NewTypedEvent(events.SourceHub, events.DeliveryDroppedPayload{
		ProcessorID: pid,
		Command:     cmd,
		Reason:      reason,
	}))
}

// verify checks the claimed hash of a canonical snapshot. A mismatch is
// reported and delivery goes on.
func (h *Hub) verify(doc task.Doc) {
	claimed, actual, ok := task.VerifyHash(doc)
	if ok {
		return
	}
	slog.Error("snapshot hash mismatch",
		"instance_id", doc.InstanceID(),
		"claimed", claimed,
		"actual", actual,
	)
	h.metrics.IntegrityFault()
	h.publish(events.NewTypedEventForInstance(events.SourceHub, events.IntegrityMismatchPayload{
		Claimed: claimed,
		Actual:  actual,
	}, doc.InstanceID()))
}

// view builds the processor section for recipient pid.
func (h *Hub) view(pid string, doc task.Doc, hubSection map[string]any) map[string]any {
	v := map[string]any{"id": pid}
	if entry, ok := doc.Section("processors")[pid].(map[string]any); ok {
		v = diff.Clone(entry).(map[string]any)
		v["id"] = pid
	}
	v["command"] = nil
	v["commandArgs"] = nil

	if p, ok := h.registry.Processor(pid); ok && p.CoProcessor {
		v["isCoProcessor"] = true
		for _, k := range []string{"initiatingProcessorId", "coProcessing", "coProcessorPosition", "coProcessingDone"} {
			if val, ok := hubSection[k]; ok {
				v[k] = val
			}
		}
	}
	if src, ok := hubSection["sourceProcessorId"]; ok {
		v["sourceProcessorId"] = src
	}
	return v
}

func (h *Hub) userView(doc task.Doc) any {
	users := doc.Section("users")
	if users == nil {
		return nil
	}
	return diff.Clone(users[doc.UserID()])
}

// pong answers a ping on the connection it arrived on.
func (h *Hub) pong(ctx context.Context, conn registry.Conn) error {
	doc := task.Doc{"hub": map[string]any{"command": string(task.CommandPong)}}
	doc.SetMeta("messageCount", h.messageCount.Add(1))
	raw, err := json.Marshal(task.Message{Task: doc})
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, raw); err != nil {
		return err
	}
	h.metrics.Sent(string(task.CommandPong), false)
	return nil
}

// ReplyError tells the sender on conn that its message failed.
func (h *Hub) ReplyError(ctx context.Context, conn registry.Conn, cause error) error {
	doc := task.Doc{
		"hub":   map[string]any{"command": string(task.CommandError)},
		"error": map[string]any{"message": cause.Error()},
	}
	doc.SetMeta("messageCount", h.messageCount.Add(1))
	raw, err := json.Marshal(task.Message{Task: doc})
	if err != nil {
		return err
	}
	return conn.Send(ctx, raw)
}
