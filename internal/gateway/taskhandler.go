package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/task"
)

type taskSummary struct {
	InstanceID  string   `json:"instanceId"`
	ID          string   `json:"id"`
	FamilyID    string   `json:"familyId,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	Command     string   `json:"command,omitempty"`
	MessageID   string   `json:"messageId,omitempty"`
	Done        bool     `json:"done"`
	Locked      bool     `json:"locked"`
	Subscribers []string `json:"subscribers"`
}

func (s *Server) summarize(d task.Doc) taskSummary {
	id := d.InstanceID()
	return taskSummary{
		InstanceID:  id,
		ID:          d.ID(),
		FamilyID:    d.FamilyID(),
		UserID:      d.UserID(),
		Command:     string(d.Command()),
		MessageID:   d.MetaInfo().MessageID,
		Done:        d.Done(),
		Locked:      s.locked(id),
		Subscribers: s.deps.Active.Subscribers(id),
	}
}

func (s *Server) locked(id string) bool {
	return s.deps.Hub != nil && s.deps.Hub.Locked(id)
}

// handleTasks lists active instances, optionally narrowed to a family.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	out := []taskSummary{}
	for _, d := range s.deps.Active.List() {
		if family != "" && d.FamilyID() != family {
			continue
		}
		out = append(out, s.summarize(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTask returns the canonical snapshot of an active instance, or the
// recorded snapshot of a finished one.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	if d, ok := s.deps.Active.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "task": d})
		return
	}
	if s.deps.Instances != nil {
		d, err := s.deps.Instances.Get(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"active": false, "task": d})
			return
		case !errors.Is(err, storage.ErrNotFound):
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	http.Error(w, "instance not found", http.StatusNotFound)
}

// handleTaskEvents returns the audit trail of an instance, falling back to
// the in-memory history when no audit log is configured.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, formatEvents(s.deps.Bus.HistoryFor(id, limitParam(r, 100))))
		return
	}
	trail, err := s.deps.Audit.Trail(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, formatEvents(trail))
}
