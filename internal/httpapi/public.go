package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/graceline/safety/internal/apperr"
	"github.com/graceline/safety/internal/escalation"
	"github.com/graceline/safety/internal/metrics"
	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/protocol"
	"github.com/graceline/safety/internal/queue"
	"github.com/graceline/safety/internal/ratelimit"
	"github.com/graceline/safety/internal/report"
)

// handleSubmit stores a submission and hands it to the safety pipeline. The
// response never waits for, or reflects, safety processing.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(s.opts.MaxTextBytes); err != nil {
		writeError(w, apperr.NewInvalidRequest(err.Error()))
		return
	}
	if s.throttled(w, r, ratelimit.RuleSubmit) {
		return
	}

	matches := s.opts.Pipeline.Classify(req.Text)
	ev := escalation.Event{
		SubjectID:  req.SubjectID,
		RawText:    req.Text,
		Matches:    matches,
		Timestamp:  time.Now(),
		SessionID:  req.SessionID,
		SubjectAge: req.SubjectAge,
	}
	if req.Contact != nil {
		ev.Contact = notify.Contact{Name: req.Contact.Name, Email: req.Contact.Email, Phone: req.Contact.Phone}
	}

	var id string
	switch req.Kind {
	case protocol.KindPrayer:
		it, err := s.opts.Queue.Create(r.Context(), queue.Submission{
			OwnerID:     req.SubjectID,
			Body:        req.Text,
			Category:    req.Category,
			IsAnonymous: req.IsAnonymous,
		}, matches)
		if err != nil {
			writeError(w, err)
			return
		}
		id = it.ID
		ev.ContentID = it.ID
		ev.SpamDetected = it.SpamDetected
		if it.SpamDetected {
			ev.SpamReason = moderation.CheckSpam(req.Text)
		}
	case protocol.KindConversation:
		// Conversation messages are not stored here; the cooldown keys on
		// the session when the subject is anonymous.
		id = uuid.NewString()
		if ev.SubjectID == "" {
			ev.SubjectID = "session:" + req.SessionID
		}
	}

	metrics.SubmissionsTotal.WithLabelValues(req.Kind).Inc()
	s.opts.Pipeline.Enqueue(ev)
	writeJSON(w, http.StatusAccepted, protocol.SubmitResponse{ID: id})
}

// handleFlag counts a user flag. Crossing the threshold queues the item for
// review through the pipeline.
func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.throttled(w, r, ratelimit.RuleFlag) {
		return
	}
	n, err := s.opts.Queue.Flag(r.Context(), id)
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	s.opts.Pipeline.Enqueue(escalation.Event{
		Matches:   moderation.CategorySet{},
		ContentID: id,
		FlagCount: n,
		Timestamp: time.Now(),
	})
	writeJSON(w, http.StatusOK, protocol.CountResponse{Count: n})
}

func (s *Server) handleHeart(w http.ResponseWriter, r *http.Request) {
	if s.throttled(w, r, ratelimit.RuleHeart) {
		return
	}
	n, err := s.opts.Queue.Heart(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	writeJSON(w, http.StatusOK, protocol.CountResponse{Count: n})
}

func (s *Server) handleAnswered(w http.ResponseWriter, r *http.Request) {
	var req protocol.OwnerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OwnerID == "" {
		writeError(w, apperr.NewInvalidRequest("owner_id is required"))
		return
	}
	it, err := s.opts.Queue.MarkAnswered(r.Context(), r.PathValue("id"), req.OwnerID)
	if err != nil {
		writeError(w, queueError(err))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleCapture records that mandatory-reporting logic fired for a
// conversation before the subject is shown the form.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	g, err := s.opts.Reports.Begin(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, reportError(err))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleCaptureState lets the conversation UI ask whether the subject is
// still in the capture form.
func (s *Server) handleCaptureState(w http.ResponseWriter, r *http.Request) {
	g, err := s.opts.Reports.State(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, reportError(err))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleReport stores the subject's details. Every field is optional; a
// storage failure is always reported back so the subject can retry or call.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReportRequest
	if err := decode(w, r, &req); err != nil {
		writeReportFailure(w, err)
		return
	}
	_, err := s.opts.Reports.Submit(r.Context(), req.SessionID, report.Fields{
		FullName:     req.FullName,
		Age:          req.Age,
		Phone:        req.Phone,
		Address:      req.Address,
		ContactEmail: req.ContactEmail,
	})
	if err != nil {
		writeReportFailure(w, reportError(err))
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReportResponse{
		Success: true,
		Message: "Thank you. A pastor has been notified and will follow up.",
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.Reports.Skip(r.Context(), r.PathValue("sessionID")); err != nil {
		writeReportFailure(w, reportError(err))
		return
	}
	writeJSON(w, http.StatusOK, protocol.ReportResponse{
		Success: true,
		Message: "Understood. You can keep talking with us any time.",
	})
}

// writeReportFailure answers the report endpoints in their own
// {success, message} shape, with the status of the mapped error.
func writeReportFailure(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	writeJSON(w, e.Status, protocol.ReportResponse{Success: false, Message: e.Message})
}

// reportError maps capture errors. Anything not caused by the request
// itself is a failed write and is surfaced as such.
func reportError(err error) error {
	switch {
	case errors.Is(err, report.ErrEmptySession):
		return apperr.NewInvalidRequest("session_id is required")
	case errors.Is(err, report.ErrAlreadySubmitted):
		return apperr.NewConflict("this report was already submitted")
	case errors.Is(err, report.ErrNotFound):
		return apperr.NewNotFound("report")
	}
	log.Printf("[http] report write failed: %v", err)
	return apperr.NewReportFailed()
}
