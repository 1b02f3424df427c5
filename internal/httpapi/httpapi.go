// Package httpapi wires the gorilla/mux router serving the webhook
// endpoint, the health check, and the job listing endpoint, following the
// reference implementation's router-plus-logging-middleware layout.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/ingress"
	"github.com/CREVIOS/agentloop/internal/store"
)

// NewRouter builds the process's HTTP router: the webhook ingress
// endpoint, a health check, and a JSON job-listing endpoint standing in
// for the reference implementation's server-rendered console.
func NewRouter(webhook *ingress.Handler, st *store.Store) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook", webhook.ServeHTTP).Methods(http.MethodPost)
	r.HandleFunc("/health", ingress.Health).Methods(http.MethodGet)
	r.HandleFunc("/ui", listJobsHandler(st)).Methods(http.MethodGet)
	r.Use(loggingMiddleware)
	return r
}

// listJobsHandler serves GET /ui?status=&job_id=: a single job if job_id
// is given, otherwise every job optionally filtered by status.
func listJobsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if raw := q.Get("job_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid job_id", http.StatusBadRequest)
				return
			}
			job, err := st.GetJob(id)
			if err != nil {
				log.Error().Err(err).Int64("job_id", id).Msg("failed to load job")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if job == nil {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, job)
			return
		}

		jobs, err := st.ListJobs(q.Get("status"))
		if err != nil {
			log.Error().Err(err).Msg("failed to list jobs")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, jobs)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs every request's method, path, status, and
// duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
