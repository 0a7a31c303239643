// ABOUTME: Unit tests for the HTTP giving client: auth headers, error
// ABOUTME: classification, and the in-attempt rate-limit resend loop.
package giving_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/giving"
)

func buildTestClient(t *testing.T, handler http.Handler) *giving.HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := giving.StaticCredentials{Token: "tok-1", APIKey: "key-1"}
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return giving.NewHTTPClientWith(srv.URL, creds, &http.Client{Timeout: 5 * time.Second})
}

func TestSubmit_SendsCredentialHeaders(t *testing.T) {
	var gotAuth, gotKey string
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "don-1"}) //nolint:errcheck
	}))

	res, err := c.Submit(context.Background(), json.RawMessage(`{"amount_pence":100}`))
	require.NoError(t, err)
	assert.Equal(t, "don-1", res.ExternalID)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "key-1", gotKey)
}

func TestSubmit_ResendsOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "don-2"}) //nolint:errcheck
	}))

	start := time.Now()
	res, err := c.Submit(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "don-2", res.ExternalID)
	assert.EqualValues(t, 2, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"resend must honor the Retry-After delay")
}

func TestSubmit_RateLimitWaitRespectsContext(t *testing.T) {
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_ClassifiesPermanentErrors(t *testing.T) {
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"validation failed"}`, http.StatusUnprocessableEntity)
	}))

	_, err := c.Submit(context.Background(), json.RawMessage(`{}`))
	var apiErr *giving.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 422, apiErr.Status)
	assert.True(t, apiErr.IsPermanent())
	assert.False(t, apiErr.IsRateLimited())
}

func TestSubmit_RejectsResponseWithoutID(t *testing.T) {
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"accepted"}`)) //nolint:errcheck
	}))

	_, err := c.Submit(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing donation id")
}

func TestSearch_DecodesCandidates(t *testing.T) {
	c := buildTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "donor-9", r.URL.Query().Get("donor_ref"))
		assert.Equal(t, "charity-1", r.URL.Query().Get("charity_ref"))
		assert.Equal(t, "2026-07-25", r.URL.Query().Get("from"))
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{ //nolint:errcheck
			{"id": "don-7", "donor_ref": "donor-9", "amount_pence": 500, "effective_date": "2026-07-30T00:00:00Z"},
		}})
	}))

	got, err := c.Search(context.Background(), giving.SearchQuery{
		CharityRef:  "charity-1",
		DonorRef:    "donor-9",
		From:        time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
		AmountPence: 500,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "don-7", got[0].ExternalID)
	assert.EqualValues(t, 500, got[0].AmountPence)
}

func TestAPIError_RateLimitClassification(t *testing.T) {
	cases := []struct {
		name string
		err  giving.APIError
		want bool
	}{
		{"429", giving.APIError{Status: 429, RetryAfter: time.Second}, true},
		{"403 with retry-after", giving.APIError{Status: 403, RetryAfter: time.Second}, true},
		{"403 plain", giving.APIError{Status: 403}, false},
		{"500", giving.APIError{Status: 500}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.IsRateLimited())
		})
	}
}
