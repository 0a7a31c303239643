// ABOUTME: Operator HTTP surface: queue inspection, replay, suppression control.
// ABOUTME: chi router with healthz and prometheus metrics on the same listener.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
)

// ItemBackend is the storage surface the operator API needs: the queue item
// state machine plus the operator list query. Both storage variants
// (structured columns and status trail) satisfy it.
type ItemBackend interface {
	queue.ItemStore
	List(ctx context.Context, lp store.ListParams) ([]queue.Item, error)
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store *store.Store
	items ItemBackend
}

// NewServer creates a Server over the queue store. items selects the storage
// variant the handlers read and mutate.
func NewServer(s *store.Store, items ItemBackend) *Server {
	return &Server{store: s, items: items}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit; pledge payloads are small and nothing else accepts a body.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/queue", func(r chi.Router) {
		r.Get("/stats", srv.statsHandler)
		r.Route("/items", func(r chi.Router) {
			r.Get("/", srv.listItemsHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", srv.getItemHandler)
				r.Post("/replay", srv.replayItemHandler)
				r.Post("/clear-suppression", srv.clearSuppressionHandler)
			})
		})
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, resp)
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}
