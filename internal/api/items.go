// ABOUTME: HTTP handlers for queue item list, detail, replay, and suppression control.
// ABOUTME: Replay is rate limited in-process: a stampede of replays defeats backoff.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
)

const replayMaxPerHour = 30

// replayWindow tracks replay calls within the current hour. In-process state
// is enough: the limit protects the giving API from operator stampedes, not
// from adversaries.
var replayWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

func checkReplayLimit() bool {
	replayWindow.mu.Lock()
	defer replayWindow.mu.Unlock()

	now := time.Now()
	if now.After(replayWindow.resetAt) {
		replayWindow.count = 0
		replayWindow.resetAt = now.Add(time.Hour)
	}
	if replayWindow.count >= replayMaxPerHour {
		return false
	}
	replayWindow.count++
	return true
}

// itemEntry is the list item shape (no payload to keep list responses small).
type itemEntry struct {
	ID            string  `json:"id"`
	CorrelationID string  `json:"correlation_id"`
	BusinessKey   string  `json:"business_key"`
	Status        string  `json:"status"`
	Suppressed    bool    `json:"suppressed"`
	Attempts      int     `json:"attempts"`
	ExternalID    *string `json:"external_id,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	Note          *string `json:"note,omitempty"`
	EnqueuedAt    string  `json:"enqueued_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	LastAttemptAt *string `json:"last_attempt_at,omitempty"`
	NextAttemptAt string  `json:"next_attempt_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// itemDetail extends itemEntry with the full payload and, once the item has
// succeeded, the giving API's raw response.
type itemDetail struct {
	itemEntry
	Payload     json.RawMessage `json:"payload"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

type itemListResponse struct {
	Items      []itemEntry `json:"items"`
	NextCursor *string     `json:"next_cursor,omitempty"`
}

func toEntry(it queue.Item) itemEntry {
	entry := itemEntry{
		ID:            it.ID.String(),
		CorrelationID: it.CorrelationID.String(),
		BusinessKey:   it.BusinessKey,
		Status:        string(it.Status),
		Suppressed:    it.Suppressed,
		Attempts:      it.Attempts,
		EnqueuedAt:    it.EnqueuedAt.Format(time.RFC3339),
		NextAttemptAt: it.NextAttemptAt.Format(time.RFC3339),
	}
	if it.ExternalID != "" {
		entry.ExternalID = &it.ExternalID
	}
	if it.LastError != "" {
		entry.LastError = &it.LastError
	}
	if it.Note != "" {
		entry.Note = &it.Note
	}
	if it.StartedAt != nil {
		s := it.StartedAt.Format(time.RFC3339)
		entry.StartedAt = &s
	}
	if it.LastAttemptAt != nil {
		s := it.LastAttemptAt.Format(time.RFC3339)
		entry.LastAttemptAt = &s
	}
	if it.CompletedAt != nil {
		s := it.CompletedAt.Format(time.RFC3339)
		entry.CompletedAt = &s
	}
	return entry
}

// encodeItemCursor encodes (time, uuid) as a stable string cursor.
// Format: <RFC3339Nano>/<uuid>
func encodeItemCursor(t time.Time, id uuid.UUID) string {
	return t.UTC().Format(time.RFC3339Nano) + "/" + id.String()
}

// listItemsHandler handles GET /api/v1/queue/items.
// Supports optional filters: status, correlation_id, suppressed, limit,
// after_enqueued_at, after_id.
func (srv *Server) listItemsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lp := store.ListParams{}

	if s := q.Get("status"); s != "" {
		st := queue.Status(s)
		valid := false
		for _, known := range queue.Statuses {
			if st == known {
				valid = true
				break
			}
		}
		if !valid {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		lp.Status = &st
	}

	if s := q.Get("correlation_id"); s != "" {
		parsed, err := uuid.Parse(s)
		if err != nil {
			http.Error(w, "invalid correlation_id", http.StatusBadRequest)
			return
		}
		lp.CorrelationID = &parsed
	}

	if s := q.Get("suppressed"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			http.Error(w, "invalid suppressed", http.StatusBadRequest)
			return
		}
		lp.Suppressed = &b
	}

	lp.Limit = 50
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 100 {
			n = 100
		}
		lp.Limit = n
	}

	if afterEnqueuedAt := q.Get("after_enqueued_at"); afterEnqueuedAt != "" {
		if afterID := q.Get("after_id"); afterID != "" {
			t, err := time.Parse(time.RFC3339, afterEnqueuedAt)
			if err != nil {
				http.Error(w, "invalid after_enqueued_at: must be RFC3339", http.StatusBadRequest)
				return
			}
			id, err := uuid.Parse(afterID)
			if err != nil {
				http.Error(w, "invalid after_id", http.StatusBadRequest)
				return
			}
			lp.CursorTime = t
			lp.CursorID = id
		}
	}

	rows, err := srv.items.List(r.Context(), lp)
	if err != nil {
		slog.ErrorContext(r.Context(), "list queue items", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]itemEntry, len(rows))
	for i, row := range rows {
		items[i] = toEntry(row)
	}

	resp := itemListResponse{Items: items}
	if len(rows) == lp.Limit {
		last := rows[len(rows)-1]
		cursor := encodeItemCursor(last.EnqueuedAt, last.ID)
		resp.NextCursor = &cursor
	}

	writeJSON(w, http.StatusOK, resp)
}

// getItemHandler handles GET /api/v1/queue/items/{id}.
func (srv *Server) getItemHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	item, err := srv.items.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "get queue item", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, itemDetail{
		itemEntry:   toEntry(*item),
		Payload:     item.Payload,
		RawResponse: item.RawResponse,
	})
}

// replayItemHandler handles POST /api/v1/queue/items/{id}/replay.
// Only failed items can be replayed; attempts reset to zero.
func (srv *Server) replayItemHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if !checkReplayLimit() {
		http.Error(w, "rate limit exceeded: max 30 replays per hour", http.StatusTooManyRequests)
		return
	}

	err = srv.items.Replay(r.Context(), id, "operator replay via api")
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrItemNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrNotReplayable):
		http.Error(w, "item is not in a failed state", http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), "replay queue item", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// clearSuppressionHandler handles POST /api/v1/queue/items/{id}/clear-suppression.
func (srv *Server) clearSuppressionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if _, err := srv.items.Get(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "clear suppression lookup", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := srv.items.ClearSuppression(r.Context(), id, "suppression cleared via api"); err != nil {
		slog.ErrorContext(r.Context(), "clear suppression", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statsHandler handles GET /api/v1/queue/stats.
func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := srv.items.CountByStatus(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "queue stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, out)
}
