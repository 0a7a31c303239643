// Package giving defines the boundary to the external giving API and its
// collaborators: submission, duplicate search, credentials, and the global
// posting kill-switch. The queue engine consumes these interfaces only; the
// HTTP client in this package is the production implementation.
package giving

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SubmitResult is a successful submission outcome.
type SubmitResult struct {
	// ExternalID is the giving API's identifier for the created donation.
	ExternalID string
	// Raw is the API's response body, stored verbatim on the work item.
	Raw json.RawMessage
}

// Candidate is an existing donation returned by the duplicate search.
type Candidate struct {
	ExternalID    string    `json:"id"`
	DonorRef      string    `json:"donor_ref"`
	AmountPence   int64     `json:"amount_pence"`
	EffectiveDate time.Time `json:"effective_date"`
}

// SearchQuery scopes a duplicate search to one charity/donor pair and a date
// window around the intended effective date.
type SearchQuery struct {
	CharityRef string
	DonorRef   string
	From       time.Time
	To         time.Time
	// AmountPence is a hint for the API; tolerance filtering happens at the
	// caller since the API matches loosely.
	AmountPence int64
}

// Client is the versioned giving API surface. There is exactly one Search
// signature; earlier reflection-based probing of alternate shapes was a
// migration artifact and is not carried forward.
type Client interface {
	// Submit posts the stored payload. A non-nil error of type *APIError
	// carries the HTTP status and body for classification.
	Submit(ctx context.Context, payload json.RawMessage) (SubmitResult, error)
	// Search returns existing donations for the query window.
	Search(ctx context.Context, q SearchQuery) ([]Candidate, error)
}

// Credential is an opaque bearer token plus API key. The queue never
// persists or inspects either value.
type Credential struct {
	Token  string
	APIKey string
}

// CredentialSource supplies credentials and is assumed to refresh them
// internally as needed.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials is a CredentialSource with fixed values, used for
// long-lived API keys and in tests.
type StaticCredentials Credential

// Credential implements CredentialSource.
func (s StaticCredentials) Credential(context.Context) (Credential, error) {
	return Credential(s), nil
}

// PolicyProvider is the global posting kill-switch. The worker consults it
// before starting and again each batch; when posting is disallowed, claimed
// items are suppressed rather than submitted.
type PolicyProvider interface {
	SubmissionAllowed(ctx context.Context) (allowed bool, reason string, err error)
}

// PolicyFunc adapts a function to PolicyProvider.
type PolicyFunc func(ctx context.Context) (bool, string, error)

// SubmissionAllowed implements PolicyProvider.
func (f PolicyFunc) SubmissionAllowed(ctx context.Context) (bool, string, error) {
	return f(ctx)
}

// AlwaysAllowed is the default policy when no kill-switch is configured.
func AlwaysAllowed() PolicyProvider {
	return PolicyFunc(func(context.Context) (bool, string, error) {
		return true, "", nil
	})
}

// APIError is a non-2xx response from the giving API.
type APIError struct {
	Status int
	Body   string
	// RetryAfter is the server-requested delay, set on rate-limit responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("giving api: status %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether the error is a rate-limit response that
// should be resent after the server's delay without consuming an attempt.
func (e *APIError) IsRateLimited() bool {
	return e.Status == 429 || (e.Status == 403 && e.RetryAfter > 0)
}

// IsPermanent reports whether retrying the same payload can never succeed.
func (e *APIError) IsPermanent() bool {
	switch e.Status {
	case 400, 404, 409, 422:
		return true
	}
	return false
}
