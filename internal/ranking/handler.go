package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/models"
	"github.com/lsat-prep/assessment/internal/store"
)

type LevelReader interface {
	GetLevel(ctx context.Context, levelID int64) (*models.Level, error)
}

type Handler struct {
	service *Service
	levels  LevelReader
}

func NewHandler(service *Service, levels LevelReader) *Handler {
	return &Handler{service: service, levels: levels}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/levels/{id}/leaderboard", h.Leaderboard).Methods("GET")
}

// Leaderboard returns the top users of a level. ?limit= caps the list (default 5, max 100).
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	levelID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid level ID", Kind: string(apperr.ValidationError)})
		return
	}
	limit := LeaderboardSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "limit must be between 1 and 100", Kind: string(apperr.ValidationError)})
			return
		}
		limit = n
	}

	level, err := h.levels.GetLevel(r.Context(), levelID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Level not found", Kind: string(apperr.NotFound)})
		return
	}
	if err != nil {
		h.service.log.Error("get level", "level_id", levelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Kind: string(apperr.Internal)})
		return
	}

	entries, err := h.service.Leaderboard(r.Context(), *level, limit)
	if err != nil {
		h.service.log.Error("leaderboard", "level_id", levelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Kind: string(apperr.Internal)})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
