// Package queue defines the work-item contract shared by the two queue
// storage strategies (structured columns and status-trail outbox) and the
// pure retry/backoff policy evaluated against claimed items.
//
// The engine guarantees at-most-one-active-worker-per-item: ClaimBatch is
// the only Pending→Processing transition and is atomic under concurrency;
// the advisory lock reinforces this for retry paths that bypass the claim.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	// StatusPending indicates the item is awaiting a claim.
	StatusPending Status = "pending"
	// StatusProcessing indicates a worker holds the item.
	StatusProcessing Status = "processing"
	// StatusSucceeded indicates the giving API accepted the submission.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the last attempt failed. Non-suppressed failed
	// items re-enter processing once their backoff window elapses.
	StatusFailed Status = "failed"
)

// Statuses lists all states, used for stats reporting.
var Statuses = []Status{StatusPending, StatusProcessing, StatusSucceeded, StatusFailed}

// Item is one row of the submission queue. Payload holds the exact bytes
// sent to the giving API, captured at enqueue time and never mutated.
type Item struct {
	ID            uuid.UUID
	CorrelationID uuid.UUID
	BusinessKey   string
	Payload       json.RawMessage
	Status        Status
	Suppressed    bool
	Attempts      int
	ExternalID    string
	// RawResponse is the giving API's verbatim success response body.
	RawResponse json.RawMessage
	LastError   string
	Note        string
	EnqueuedAt    time.Time
	StartedAt     *time.Time
	LastAttemptAt *time.Time
	NextAttemptAt time.Time
	CompletedAt   *time.Time
}

// ClaimParams bounds one claim cycle. MaxItems is clamped to [1, MaxClaimItems]
// by implementations; MaxAttempts-exhausted rows are excluded from the claim
// rather than claimed and immediately failed.
type ClaimParams struct {
	MaxItems    int
	MaxAttempts int
	// StaleAfter is the age past which a processing row with no completion
	// timestamp is considered abandoned and reset to pending.
	StaleAfter time.Duration
	// BaseDelay and MaxDelay mirror the backoff policy. The trail-backed
	// store derives claim eligibility from its event log in SQL and needs
	// the policy parameters to do so; the column-backed store bakes the
	// delay into next_attempt_at at failure time and ignores these.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// MaxClaimItems is the ceiling on a single claim batch, bounding row-lock
// contention and claim-transaction size.
const MaxClaimItems = 200

// ItemStore is the persisted work-item state machine. All methods are
// individual transactions; a returned error means the caller must not assume
// partial success.
type ItemStore interface {
	// Enqueue inserts a new pending item. If a pending or processing item
	// already exists for businessKey, its payload is updated in place and
	// the existing id returned (idempotent re-entry for repeated saves).
	Enqueue(ctx context.Context, payload json.RawMessage, businessKey string, correlationID uuid.UUID) (uuid.UUID, error)

	// ClaimBatch resets stale processing rows, then atomically transitions
	// up to MaxItems eligible rows to processing — oldest enqueue first,
	// ties broken by id — skipping rows locked by concurrent claimers.
	// Attempt counts are incremented within the claim transaction and the
	// post-update rows are returned.
	ClaimBatch(ctx context.Context, p ClaimParams) ([]Item, error)

	// MarkSucceeded records the external id and the API's raw response body,
	// and completes the item. Safe to call on a row that is no longer
	// processing (idempotent on re-delivery). raw may be nil.
	MarkSucceeded(ctx context.Context, id uuid.UUID, externalID string, raw json.RawMessage, note string) error

	// MarkFailed records the error and completes the attempt. retryAfter is
	// the backoff delay before the item may be claimed again; the item stays
	// claimable while attempts remain. Idempotent.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg, note string, retryAfter time.Duration) error

	// Suppress marks the item terminally failed until an operator clears it.
	Suppress(ctx context.Context, id uuid.UUID, note string) error

	// ClearSuppression lifts a suppression and makes the item immediately
	// eligible again, attempts permitting.
	ClearSuppression(ctx context.Context, id uuid.UUID, note string) error

	// Replay is the explicit manual retry of a terminal item: attempts reset
	// to zero, suppression cleared, item immediately claimable.
	Replay(ctx context.Context, id uuid.UUID, note string) error

	// AppendWarning attaches a non-escalating diagnostic to the item without
	// touching its status (downstream best-effort failures).
	AppendWarning(ctx context.Context, id uuid.UUID, warning string) error

	// Get returns the item or ErrItemNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Item, error)

	// CountByStatus reports row counts per status, letting callers tell
	// "nothing to do" apart from "everything exhausted".
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// ClampMaxItems bounds a requested batch size to [1, MaxClaimItems].
func ClampMaxItems(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxClaimItems {
		return MaxClaimItems
	}
	return n
}
