package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lsat-prep/assessment/internal/auth"
	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/models"
)

// Auth rejects requests without a valid bearer token and stores the
// resolved user id on the request context.
func Auth(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			// EventSource cannot set headers, so the stream accepts a query token.
			if header == "" {
				header = r.URL.Query().Get("access_token")
			}
			userID, err := resolver.Resolve(header)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(models.ErrorResponse{Error: "Unauthorized", Kind: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLog logs one line per request.
func RequestLog(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}
