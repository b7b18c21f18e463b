package session

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/auth"
	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/models"
)

type Handler struct {
	engine *Engine
	log    *logger.Logger
}

func NewHandler(engine *Engine, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{engine: engine, log: log.With("component", "session_handler")}
}

// Register mounts the session routes on a bearer-protected router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/levels/{id}/sessions", h.Start).Methods("POST")
	r.HandleFunc("/sessions/{id}", h.Get).Methods("GET")
	r.HandleFunc("/sessions/{id}/answers", h.Answer).Methods("POST")
	r.HandleFunc("/sessions/{id}/submit", h.Submit).Methods("POST")
	r.HandleFunc("/sessions/{id}/end", h.End).Methods("POST")
	r.HandleFunc("/users/me/rating", h.Rating).Methods("GET")
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	levelID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid level ID", Kind: string(apperr.ValidationError)})
		return
	}

	resp, err := h.engine.Start(r.Context(), userID, levelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	sess, err := h.engine.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Kind: string(apperr.ValidationError)})
		return
	}

	result, summary, err := h.engine.Answer(r.Context(), userID, mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AnswerResponse{Result: result, Summary: summary})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Kind: string(apperr.ValidationError)})
		return
	}

	results, summary, err := h.engine.Submit(r.Context(), userID, mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SubmitResponse{Results: results, Summary: summary})
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	var req models.EndRequest
	// An empty body abandons the session.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Kind: string(apperr.ValidationError)})
			return
		}
	}

	summary, err := h.engine.End(r.Context(), userID, mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) Rating(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		return
	}
	resp, err := h.engine.Rating(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind, msg := apperr.Public(err)
	if kind == apperr.Internal {
		h.log.Error("request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(kind), models.ErrorResponse{Error: msg, Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
