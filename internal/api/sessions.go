package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/marketplace"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

type errorBody struct {
	Error   string   `json:"error"`
	Field   string   `json:"field,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type fieldRequest struct {
	Value string `json:"value"`
}

type serviceRequest struct {
	Name string `json:"name"`
}

// stateResponse is the session as the fields panel renders it.
type stateResponse struct {
	session.State
	Missing  []collector.Field `json:"missing"`
	Complete bool              `json:"complete"`
}

func newStateResponse(st session.State) stateResponse {
	missing := st.Missing()
	if missing == nil {
		missing = []collector.Field{}
	}
	return stateResponse{State: st, Missing: missing, Complete: st.Complete()}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newStateResponse(st))
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}

	st, err := s.sessions.SubmitTurn(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Settled(st.SessionID, st.TurnCount)
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) editField(w http.ResponseWriter, r *http.Request) {
	field, err := collector.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}

	st, err := s.sessions.EditField(r.Context(), chi.URLParam(r, "id"), field, req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) selectService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}

	st, err := s.sessions.SelectService(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.sessions.Finish(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Cancel(id)
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.scheduler != nil {
		s.scheduler.Cancel(id)
	}
	st, err := s.sessions.Reset(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(st))
}

func (s *Server) matchServices(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	services, err := s.sessions.MatchServices(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if services == nil {
		services = []collector.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":    q,
		"services": services,
		"count":    len(services),
	})
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *collector.ValidationError
		incomplete *session.IncompleteError
		apiErr     *marketplace.APIError
		urlErr     *url.Error
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: validation.Message, Field: string(validation.Field)})
	case errors.As(err, &incomplete):
		missing := make([]string, len(incomplete.Missing))
		for i, f := range incomplete.Missing {
			missing[i] = string(f)
		}
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Missing: missing})
	case errors.As(err, &apiErr), errors.As(err, &urlErr):
		s.logger.Warn("chat backend failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
