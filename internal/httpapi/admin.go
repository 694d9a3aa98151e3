package httpapi

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/graceline/safety/internal/apperr"
	"github.com/graceline/safety/internal/protocol"
	"github.com/graceline/safety/internal/queue"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	recentAlerts     = 20
)

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	f, err := queue.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, apperr.NewInvalidRequest(err.Error()))
		return
	}

	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			writeError(w, apperr.NewInvalidRequest("limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}

	items, err := s.opts.Queue.List(r.Context(), f, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, protocol.QueueListResponse{Filter: string(f), Items: items})
}

func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	it, err := s.opts.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleQueuePatch(w http.ResponseWriter, r *http.Request) {
	var patch protocol.ItemPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	m := queue.Mutation{Body: patch.Body, Category: patch.Category, IsAnonymous: patch.IsAnonymous}
	if m.Empty() {
		writeError(w, apperr.NewInvalidRequest("nothing to update"))
		return
	}
	if m.Body != nil && (*m.Body == "" || len(*m.Body) > s.opts.MaxTextBytes) {
		writeError(w, apperr.NewInvalidRequest("body must be non-empty and within the size limit"))
		return
	}

	it, err := s.opts.Queue.Update(r.Context(), r.PathValue("id"), m)
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	log.Printf("[http] moderator=%s edited item=%s", moderatorFrom(r.Context()), it.ID)
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	var req protocol.StatusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	st := queue.Status(req.Status)
	if !st.Valid() {
		writeError(w, apperr.NewInvalidRequest("status must be active or hidden"))
		return
	}

	it, err := s.opts.Queue.SetStatus(r.Context(), r.PathValue("id"), st)
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	log.Printf("[http] moderator=%s set item=%s status=%s", moderatorFrom(r.Context()), it.ID, st)
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Queue.Delete(r.Context(), id); err != nil {
		writeError(w, queueError(err))
		return
	}
	log.Printf("[http] moderator=%s deleted item=%s", moderatorFrom(r.Context()), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Live == nil {
		writeError(w, apperr.NewNotFound("live feed"))
		return
	}
	s.opts.Live.Serve(w, r, moderatorFrom(r.Context()))
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Reports.Get(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, reportError(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cooldowns == nil {
		writeError(w, apperr.NewNotFound("cooldown store"))
		return
	}
	subject := r.PathValue("subjectID")

	last, err := s.opts.Cooldowns.LastAlert(r.Context(), subject)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := protocol.CooldownResponse{SubjectID: subject}
	if !last.IsZero() {
		resp.LastAlertAt = last.UTC().Format(time.RFC3339)
		resp.Active = time.Since(last) < s.opts.Cooldowns.Window()
	}

	if s.opts.Alerts != nil {
		entries, err := s.opts.Alerts.RecentForSubject(r.Context(), subject, recentAlerts)
		if err != nil {
			log.Printf("[http] recent alerts subject=%s: %v", subject, err)
		} else {
			resp.RecentAlerts = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
