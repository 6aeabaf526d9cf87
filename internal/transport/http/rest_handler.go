package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// RESTHandler exposes the host-facing session lifecycle over plain HTTP.
type RESTHandler struct {
	service *app.Service
}

func NewRESTHandler(service *app.Service) *RESTHandler {
	return &RESTHandler{service: service}
}

// Register mounts the session routes on the router.
func (h *RESTHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/sessions", h.createSession).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{code}", h.getSession).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions/{code}", h.endSession).Methods(http.MethodDelete)
}

type createSessionRequest struct {
	HostID string `json:"hostId"`
	QuizID string `json:"quizId"`
}

type createSessionResponse struct {
	Code string `json:"code"`
}

func (h *RESTHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HostID == "" || req.QuizID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	code, err := h.service.CreateSession(r.Context(), req.HostID, req.QuizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{Code: code})
}

func (h *RESTHandler) getSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	snap, err := h.service.Snapshot(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *RESTHandler) endSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if err := h.service.EndSession(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrEndedSession), errors.Is(err, domain.ErrCodeTaken):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCodeExhausted), errors.Is(err, domain.ErrRetryExhausted):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
