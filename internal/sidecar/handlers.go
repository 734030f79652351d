package sidecar

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/walkley/myagents/internal/transport"
	"github.com/walkley/myagents/pkg/types"
)

const (
	tabHeader  = transport.TabHeader
	defaultTab = "default"
)

func tabID(r *http.Request) string {
	if id := r.Header.Get(tabHeader); id != "" {
		return id
	}
	if id := r.URL.Query().Get("tabId"); id != "" {
		return id
	}
	return defaultTab
}

// StateResponse describes what a tab is bound to.
type StateResponse struct {
	TabID     string          `json:"tabId"`
	WorkerID  string          `json:"workerId"`
	SessionID types.SessionID `json:"sessionId,omitempty"`
	Running   bool            `json:"running"`
	Messages  []types.Message `json:"messages"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.WorkerCount(),
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req types.SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "text or attachments required")
		return
	}

	_, worker := s.bind(tabID(r))
	if err := worker.Send(req); err != nil {
		if errors.Is(err, ErrBusy) {
			writeError(w, http.StatusConflict, types.CodeBusy, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.SendMessageResponse{Success: true})
}

func (s *Server) stopResponse(w http.ResponseWriter, r *http.Request) {
	_, worker := s.bind(tabID(r))
	worker.Stop()
	writeSuccess(w)
}

func (s *Server) loadSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req types.LoadSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}
	if req.SessionID.IsNone() {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "sessionId is required")
		return
	}

	err := s.loadSession(r.Context(), tabID(r), req.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, types.CodeNotFound, "session not found: "+req.SessionID.String())
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, types.CodeBusy, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
	default:
		writeSuccess(w)
	}
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.resetSession(tabID(r))
	writeSuccess(w)
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req types.RespondPermissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}
	if err := req.Decision.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}
	if !s.checker.Respond(req.RequestID, req.Decision) {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "no pending permission request "+req.RequestID)
		return
	}
	writeSuccess(w)
}

func (s *Server) respondQuestion(w http.ResponseWriter, r *http.Request) {
	var req types.RespondQuestionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}
	if !s.checker.RespondQuestion(req.RequestID, req.Answers) {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "no pending question "+req.RequestID)
		return
	}
	writeSuccess(w)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	id := tabID(r)
	_, worker := s.bind(id)
	msgs := worker.Messages()
	if msgs == nil {
		msgs = []types.Message{}
	}
	resp := StateResponse{
		TabID:    id,
		WorkerID: worker.ID(),
		Running:  worker.Running(),
		Messages: msgs,
	}
	if sid := worker.SessionID(); sid.IsReal() {
		resp.SessionID = sid
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.archive.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	if ids == nil {
		ids = []types.SessionID{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) runCronTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "scheduler not running")
		return
	}
	err := sched.RunNow(r.Context(), chi.URLParam(r, "taskID"))
	switch {
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, types.CodeBusy, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
	default:
		writeSuccess(w)
	}
}
