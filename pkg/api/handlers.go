package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/reconcile"
)

const (
	maxBodyBytes = 1 << 20
	signalSource = "http"

	healthTimeout = 2 * time.Second
)

// CheckStatus is returned when a run starts.
type CheckStatus struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	SendEventPostURI  string `json:"sendEventPostUri"`
}

type startRequest struct {
	FeedURL        string `json:"feedUrl"`
	TargetListName string `json:"targetListName"`
}

type addExclusionRequest struct {
	Subject string `json:"subject"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	in, err := s.input()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
			s.writeError(w, r, badRequest("invalid run request: %v", err))
			return
		}
		if req.FeedURL != "" {
			in.FeedURL = req.FeedURL
		}
		if req.TargetListName != "" {
			in.TargetListName = req.TargetListName
		}
	}

	id, err := s.runs.Start(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	runURL := baseURL(r) + "/api/runs/" + id
	w.Header().Set("Location", runURL)
	writeJSON(w, http.StatusAccepted, CheckStatus{
		ID:                id,
		StatusQueryGetURI: runURL,
		SendEventPostURI:  runURL + "/events/{eventName}",
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.runs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRaiseEvent accepts a JSON boolean decision for the approval event.
func (s *Server) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("name")
	if name != reconcile.ApprovalSignal {
		s.writeError(w, r, malformedSignal("unknown event %q", name))
		return
	}

	var approved bool
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&approved); err != nil {
		s.writeError(w, r, malformedSignal("event body must be true or false"))
		return
	}
	if err := s.runs.Approve(r.Context(), id, approved, signalSource); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleApproval raises a decision from notification links. Binary links
// carry approvestate and instanceid; shortcut links carry text.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, malformedSignal("invalid approval request"))
		return
	}

	if text := r.Form.Get("text"); text != "" {
		id, err := s.runs.RaiseShortcut(r.Context(), text, signalSource)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": id})
		return
	}

	approved, err := strconv.ParseBool(strings.TrimSpace(r.Form.Get("approvestate")))
	if err != nil {
		s.writeError(w, r, malformedSignal("approvestate must be true or false"))
		return
	}
	id := strings.TrimSpace(r.Form.Get("instanceid"))
	if id == "" {
		s.writeError(w, r, malformedSignal("instanceid is required"))
		return
	}
	if uid := strings.TrimSpace(r.Form.Get("eventuid")); uid != "" {
		err = s.runs.ApproveEvent(r.Context(), id, uid, approved, signalSource)
	} else {
		err = s.runs.Approve(r.Context(), id, approved, signalSource)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": id})
}

func (s *Server) handleListExclusions(w http.ResponseWriter, r *http.Request) {
	list, err := s.exclusions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleAddExclusion takes {"subject": ...} as JSON or the subject as the raw body.
func (s *Server) handleAddExclusion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, badRequest("failed to read request body"))
		return
	}

	subject := string(body)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req addExclusionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, r, badRequest("invalid exclusion request: %v", err))
			return
		}
		subject = req.Subject
	}

	ex, err := s.exclusions.Add(r.Context(), subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleRemoveExclusion(w http.ResponseWriter, r *http.Request) {
	if err := s.exclusions.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func malformedSignal(format string, args ...any) error {
	return engine.NewValidationError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeMalformedSignal)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
