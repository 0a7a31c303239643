// ABOUTME: Integration tests for the operator API over a real store.
// ABOUTME: Drives the chi handler through httptest against a Postgres testcontainer.
package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/api"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/testutil"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := testutil.NewTestDB(t)
	srv := httptest.NewServer(api.NewServer(st, st.Pledges()).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func seedItem(t *testing.T, st *store.Store, key string) uuid.UUID {
	t.Helper()
	payload := json.RawMessage(`{"donor_ref":"d1","charity_ref":"c1","amount_pence":2500,"effective_date":"2026-08-01"}`)
	id, err := st.Pledges().Enqueue(context.Background(), payload, key, uuid.New())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test URL from httptest
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil) //nolint:gosec // test URL from httptest
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode
}

func TestListAndGetItems(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	id := seedItem(t, st, "api-key-1")
	seedItem(t, st, "api-key-2")

	var list struct {
		Items []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Items) != 2 {
		t.Fatalf("listed %d items, want 2", len(list.Items))
	}

	var detail struct {
		ID          string          `json:"id"`
		BusinessKey string          `json:"business_key"`
		Payload     json.RawMessage `json:"payload"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items/"+id.String(), &detail); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if detail.BusinessKey != "api-key-1" || len(detail.Payload) == 0 {
		t.Errorf("detail = %+v", detail)
	}

	if code := getJSON(t, srv.URL+"/api/v1/queue/items/"+uuid.NewString(), nil); code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", code)
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items/not-a-uuid", nil); code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", code)
	}
}

func TestGetItemIncludesRawResponse(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	ctx := context.Background()
	id := seedItem(t, st, "api-raw")

	if _, err := st.Pledges().ClaimBatch(ctx, queue.ClaimParams{
		MaxItems: 1, MaxAttempts: 3, StaleAfter: time.Hour,
	}); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	raw := json.RawMessage(`{"id":"don-api-raw","state":"accepted"}`)
	if err := st.Pledges().MarkSucceeded(ctx, id, "don-api-raw", raw, "accepted"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	var detail struct {
		Status      string          `json:"status"`
		RawResponse json.RawMessage `json:"raw_response"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items/"+id.String(), &detail); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if detail.Status != "succeeded" || len(detail.RawResponse) == 0 {
		t.Errorf("detail = %+v, want succeeded with the stored response body", detail)
	}
}

func TestAPIOverOutboxBackend(t *testing.T) {
	t.Parallel()
	st := testutil.NewTestDB(t)
	srv := httptest.NewServer(api.NewServer(st, st.Outbox()).Handler())
	t.Cleanup(srv.Close)

	payload := json.RawMessage(`{"donor_ref":"d1","charity_ref":"c1","amount_pence":900,"effective_date":"2026-08-01"}`)
	id, err := st.Outbox().Enqueue(context.Background(), payload, "api-outbox", uuid.New())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var list struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Items) != 1 || list.Items[0].ID != id.String() {
		t.Errorf("list = %+v", list.Items)
	}

	var detail struct {
		BusinessKey string `json:"business_key"`
		Status      string `json:"status"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items/"+id.String(), &detail); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if detail.BusinessKey != "api-outbox" || detail.Status != "pending" {
		t.Errorf("detail = %+v", detail)
	}

	var stats map[string]int
	if code := getJSON(t, srv.URL+"/api/v1/queue/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if stats["pending"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestListFilterValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	if code := getJSON(t, srv.URL+"/api/v1/queue/items?status=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", code)
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items?limit=0", nil); code != http.StatusBadRequest {
		t.Errorf("zero limit = %d, want 400", code)
	}
	if code := getJSON(t, srv.URL+"/api/v1/queue/items?status=pending", nil); code != http.StatusOK {
		t.Errorf("valid filter = %d, want 200", code)
	}
}

func TestReplayEndpoint(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	ctx := context.Background()
	id := seedItem(t, st, "api-replay")

	// Pending items are not replayable.
	if code := post(t, srv.URL+"/api/v1/queue/items/"+id.String()+"/replay"); code != http.StatusConflict {
		t.Errorf("replay pending = %d, want 409", code)
	}

	if _, err := st.Pledges().ClaimBatch(ctx, queue.ClaimParams{
		MaxItems: 1, MaxAttempts: 3, StaleAfter: time.Hour,
	}); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := st.Pledges().MarkFailed(ctx, id, "boom", "", time.Hour); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if code := post(t, srv.URL+"/api/v1/queue/items/"+id.String()+"/replay"); code != http.StatusNoContent {
		t.Fatalf("replay failed item = %d, want 204", code)
	}
	item, err := st.Pledges().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != queue.StatusPending || item.Attempts != 0 {
		t.Errorf("after replay: %+v", item)
	}

	if code := post(t, srv.URL+"/api/v1/queue/items/"+uuid.NewString()+"/replay"); code != http.StatusNotFound {
		t.Errorf("replay unknown = %d, want 404", code)
	}
}

func TestClearSuppressionEndpoint(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	ctx := context.Background()
	id := seedItem(t, st, "api-clear")

	if err := st.Pledges().Suppress(ctx, id, "possible duplicate"); err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	if code := post(t, srv.URL+"/api/v1/queue/items/"+id.String()+"/clear-suppression"); code != http.StatusNoContent {
		t.Fatalf("clear = %d, want 204", code)
	}
	item, err := st.Pledges().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Suppressed {
		t.Error("suppression not cleared")
	}

	if code := post(t, srv.URL+"/api/v1/queue/items/"+uuid.NewString()+"/clear-suppression"); code != http.StatusNotFound {
		t.Errorf("clear unknown = %d, want 404", code)
	}
}

func TestStatsAndHealth(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	seedItem(t, st, "api-stats")

	var stats map[string]int
	if code := getJSON(t, srv.URL+"/api/v1/queue/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if stats["pending"] != 1 {
		t.Errorf("stats = %v", stats)
	}
	if _, ok := stats["succeeded"]; !ok {
		t.Error("stats must zero-fill every status")
	}

	var health struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK || health.Status != "ok" {
		t.Errorf("healthz = %d %q", code, health.Status)
	}
}
