// ABOUTME: HTTP implementation of the giving API client over a safeurl-wrapped client.
// ABOUTME: Rate-limit responses are resent after the server's Retry-After inside one attempt.
package giving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"
)

const (
	// maxRateLimitWaits bounds transport-level resends within one item
	// attempt, so a persistently rate-limiting API cannot hold a claimed
	// item in flight past the stale-processing threshold.
	maxRateLimitWaits = 4
	// maxRetryAfter caps a server-provided delay.
	maxRetryAfter = 5 * time.Minute
	// defaultRetryAfter applies when a 429 carries no Retry-After header.
	defaultRetryAfter = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 64 << 10
)

// HTTPClient talks to the giving API. Construct once at startup and share;
// it is safe for concurrent use.
type HTTPClient struct {
	base   string
	client *http.Client
	creds  CredentialSource
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds the production client. The outbound client is
// safeurl-wrapped with redirects disabled, so a misconfigured base URL
// cannot be steered at internal addresses.
func NewHTTPClient(baseURL string, creds CredentialSource) *HTTPClient {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(30 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return &HTTPClient{
		base:   baseURL,
		client: safeurl.Client(cfg).Client,
		creds:  creds,
	}
}

// NewHTTPClientWith builds a client over a caller-supplied *http.Client.
// Tests use this to point at httptest servers, which safeurl would block.
func NewHTTPClientWith(baseURL string, creds CredentialSource, client *http.Client) *HTTPClient {
	return &HTTPClient{base: baseURL, client: client, creds: creds}
}

// Submit posts the payload to the donations endpoint. A rate-limit response
// is retried after the server's delay, up to maxRateLimitWaits times, without
// surfacing an error to the item-level retry policy.
func (c *HTTPClient) Submit(ctx context.Context, payload json.RawMessage) (SubmitResult, error) {
	for waits := 0; ; waits++ {
		result, err := c.submitOnce(ctx, payload)
		if err == nil {
			return result, nil
		}
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.IsRateLimited() || waits >= maxRateLimitWaits {
			return SubmitResult{}, err
		}
		if sleepErr := sleepCtx(ctx, apiErr.RetryAfter); sleepErr != nil {
			return SubmitResult{}, sleepErr
		}
	}
}

func (c *HTTPClient) submitOnce(ctx context.Context, payload json.RawMessage) (SubmitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v1/donations", bytes.NewReader(payload))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return SubmitResult{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SubmitResult{}, newAPIError(resp, body)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return SubmitResult{}, fmt.Errorf("submit response missing donation id: %q", truncate(body, 200))
	}
	return SubmitResult{ExternalID: created.ID, Raw: body}, nil
}

// Search queries existing donations in the window. The caller applies the
// amount tolerance; the API filters only on charity, donor, and dates.
func (c *HTTPClient) Search(ctx context.Context, q SearchQuery) ([]Candidate, error) {
	params := url.Values{}
	params.Set("charity_ref", q.CharityRef)
	params.Set("donor_ref", q.DonorRef)
	params.Set("from", q.From.Format("2006-01-02"))
	params.Set("to", q.To.Format("2006-01-02"))
	if q.AmountPence > 0 {
		params.Set("amount_pence", strconv.FormatInt(q.AmountPence, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/donations/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search GET: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("search read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp, body)
	}

	var out struct {
		Results []Candidate `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("search decode: %w", err)
	}
	return out.Results, nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("obtain credential: %w", err)
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	if cred.APIKey != "" {
		req.Header.Set("X-Api-Key", cred.APIKey)
	}
	return nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Body: truncate(body, 500)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if apiErr.RetryAfter > maxRetryAfter {
		apiErr.RetryAfter = maxRetryAfter
	}
	if apiErr.Status == 429 && apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = defaultRetryAfter
	}
	return apiErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
