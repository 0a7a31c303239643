// ABOUTME: Structured-column work-item store over pledge_items.
// ABOUTME: Claims use UPDATE..WHERE id IN (SELECT.. FOR UPDATE SKIP LOCKED) RETURNING.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
)

// PledgeStore implements queue.ItemStore with one column per state field.
type PledgeStore struct {
	s *Store
}

var _ queue.ItemStore = (*PledgeStore)(nil)

const pledgeColumns = `id, correlation_id, business_key, payload, status, suppressed,
	attempts, external_id, raw_response, last_error, note,
	enqueued_at, started_at, last_attempt_at, next_attempt_at, completed_at`

// Enqueue inserts a pending item, or updates the payload of an existing
// pending/processing item with the same business key. The partial unique
// index on (business_key) WHERE status IN ('pending','processing') arbitrates
// the conflict.
func (p *PledgeStore) Enqueue(ctx context.Context, payload json.RawMessage, businessKey string, correlationID uuid.UUID) (uuid.UUID, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return uuid.Nil, queue.ErrEmptyPayload
	}
	var id uuid.UUID
	err := p.s.pool.QueryRow(ctx, `
		INSERT INTO pledge_items (correlation_id, business_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_key) WHERE status IN ('pending', 'processing')
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
		RETURNING id`,
		correlationID, businessKey, payload,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue pledge item: %w", err)
	}
	return id, nil
}

// ResetStaleProcessing returns rows stuck in processing past staleAfter with
// no completion timestamp back to pending. Attempt counts are untouched, so
// a crashed worker's claim costs the item nothing beyond the delay.
func (p *PledgeStore) ResetStaleProcessing(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET status = 'pending',
		    note = 'reset after stale processing timeout',
		    next_attempt_at = now(),
		    updated_at = now()
		WHERE status = 'processing'
		  AND completed_at IS NULL
		  AND started_at < now() - ($1::bigint * interval '1 second')`,
		int64(staleAfter.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimBatch runs the stale reset, then claims up to p.MaxItems eligible rows
// oldest-first. The claim is a single statement: the SKIP LOCKED subquery and
// the processing transition commit or abort together, so no row is ever left
// half-claimed.
func (ps *PledgeStore) ClaimBatch(ctx context.Context, p queue.ClaimParams) ([]queue.Item, error) {
	if _, err := ps.ResetStaleProcessing(ctx, p.StaleAfter); err != nil {
		return nil, err
	}

	rows, err := ps.s.pool.Query(ctx, `
		UPDATE pledge_items
		SET status = 'processing',
		    attempts = attempts + 1,
		    started_at = now(),
		    last_attempt_at = now(),
		    completed_at = NULL,
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM pledge_items
			WHERE status IN ('pending', 'failed')
			  AND NOT suppressed
			  AND attempts < $1
			  AND next_attempt_at <= now()
			ORDER BY enqueued_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pledgeColumns,
		p.MaxAttempts, queue.ClampMaxItems(p.MaxItems),
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items, err := scanPledgeItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch scan: %w", err)
	}
	// UPDATE..RETURNING does not guarantee row order; restore claim order.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, nil
}

// MarkSucceeded completes the item with the giving API's id and raw response
// body. Idempotent: completed_at is set once and every other column write is
// absolute, so re-delivery of a success is harmless.
func (p *PledgeStore) MarkSucceeded(ctx context.Context, id uuid.UUID, externalID string, raw json.RawMessage, note string) error {
	var rawArg any
	if len(raw) > 0 {
		rawArg = raw
	}
	_, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET status = 'succeeded',
		    external_id = $2,
		    raw_response = $3,
		    note = $4,
		    last_error = NULL,
		    completed_at = COALESCE(completed_at, now()),
		    updated_at = now()
		WHERE id = $1`,
		id, externalID, rawArg, note,
	)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

// MarkFailed records the failure and schedules the next eligibility window.
// next_attempt_at anchors on last_attempt_at rather than now() so repeated
// delivery of the same failure lands on the same instant.
func (p *PledgeStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg, note string, retryAfter time.Duration) error {
	_, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET status = 'failed',
		    last_error = $2,
		    note = $3,
		    completed_at = COALESCE(completed_at, now()),
		    next_attempt_at = COALESCE(last_attempt_at, now()) + ($4::bigint * interval '1 millisecond'),
		    updated_at = now()
		WHERE id = $1`,
		id, errMsg, note, retryAfter.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Suppress parks the item in sticky terminal failure until an operator
// clears it.
func (p *PledgeStore) Suppress(ctx context.Context, id uuid.UUID, note string) error {
	_, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET status = 'failed',
		    suppressed = true,
		    note = $2,
		    completed_at = COALESCE(completed_at, now()),
		    updated_at = now()
		WHERE id = $1`,
		id, note,
	)
	if err != nil {
		return fmt.Errorf("suppress item: %w", err)
	}
	return nil
}

// SuppressMany suppresses a whole claimed batch in one statement. Used when
// the posting kill-switch flips mid-run.
func (p *PledgeStore) SuppressMany(ctx context.Context, ids []uuid.UUID, note string) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := p.s.db.ExecContext(ctx, `
		UPDATE pledge_items
		SET status = 'failed',
		    suppressed = true,
		    note = $2,
		    completed_at = COALESCE(completed_at, now()),
		    updated_at = now()
		WHERE id = ANY($1::uuid[])`,
		pq.Array(strs), note,
	)
	if err != nil {
		return fmt.Errorf("suppress batch: %w", err)
	}
	return nil
}

// ClearSuppression lifts a suppression; the item becomes claimable again as
// soon as attempts permit.
func (p *PledgeStore) ClearSuppression(ctx context.Context, id uuid.UUID, note string) error {
	_, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET suppressed = false,
		    note = $2,
		    next_attempt_at = now(),
		    updated_at = now()
		WHERE id = $1 AND suppressed`,
		id, note,
	)
	if err != nil {
		return fmt.Errorf("clear suppression: %w", err)
	}
	return nil
}

// Replay is the operator's manual retry: attempts reset to zero and the item
// re-enters the queue immediately. Only terminal-failed items are replayable.
func (p *PledgeStore) Replay(ctx context.Context, id uuid.UUID, note string) error {
	tag, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET status = 'pending',
		    suppressed = false,
		    attempts = 0,
		    last_error = NULL,
		    note = $2,
		    completed_at = NULL,
		    next_attempt_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'failed'`,
		id, note,
	)
	if err != nil {
		return fmt.Errorf("replay item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return queue.ErrNotReplayable
	}
	return nil
}

// AppendWarning attaches a diagnostic line to the item's note without
// touching its status. Downstream best-effort failures land here.
func (p *PledgeStore) AppendWarning(ctx context.Context, id uuid.UUID, warning string) error {
	_, err := p.s.pool.Exec(ctx, `
		UPDATE pledge_items
		SET note = CASE WHEN note IS NULL OR note = '' THEN $2
		                ELSE note || E'\n' || $2 END,
		    updated_at = now()
		WHERE id = $1`,
		id, warning,
	)
	if err != nil {
		return fmt.Errorf("append warning: %w", err)
	}
	return nil
}

// Get returns the item or queue.ErrItemNotFound.
func (p *PledgeStore) Get(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	rows, err := p.s.pool.Query(ctx,
		`SELECT `+pledgeColumns+` FROM pledge_items WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	defer rows.Close()
	items, err := scanPledgeItems(rows)
	if err != nil {
		return nil, fmt.Errorf("get item scan: %w", err)
	}
	if len(items) == 0 {
		return nil, queue.ErrItemNotFound
	}
	return &items[0], nil
}

// CountByStatus reports row counts per status, with zero entries for states
// that have no rows.
func (p *PledgeStore) CountByStatus(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := p.s.pool.Query(ctx,
		`SELECT status, count(*) FROM pledge_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[queue.Status]int, len(queue.Statuses))
	for _, st := range queue.Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count scan: %w", err)
		}
		out[queue.Status(st)] = n
	}
	return out, rows.Err()
}

// ListParams filters the operator list query. Pointer fields are optional;
// cursor fields implement keyset pagination on (enqueued_at DESC, id DESC).
type ListParams struct {
	Status        *queue.Status
	CorrelationID *uuid.UUID
	Suppressed    *bool
	CursorTime    time.Time
	CursorID      uuid.UUID
	Limit         int
}

// List returns queue rows for the operator view, newest first.
func (p *PledgeStore) List(ctx context.Context, lp ListParams) ([]queue.Item, error) {
	b := sq.Select("id", "correlation_id", "business_key", "payload", "status",
		"suppressed", "attempts", "external_id", "raw_response", "last_error", "note",
		"enqueued_at", "started_at", "last_attempt_at", "next_attempt_at", "completed_at").
		From("pledge_items").
		OrderBy("enqueued_at DESC", "id DESC").
		PlaceholderFormat(sq.Dollar)

	if lp.Status != nil {
		b = b.Where(sq.Eq{"status": string(*lp.Status)})
	}
	if lp.CorrelationID != nil {
		b = b.Where(sq.Eq{"correlation_id": *lp.CorrelationID})
	}
	if lp.Suppressed != nil {
		b = b.Where(sq.Eq{"suppressed": *lp.Suppressed})
	}
	if !lp.CursorTime.IsZero() {
		b = b.Where(sq.Expr("(enqueued_at, id) < (?, ?)", lp.CursorTime, lp.CursorID))
	}
	limit := lp.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	b = b.Limit(uint64(limit))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := p.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		it, err := scanPledgeItemStd(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanPledgeItems drains a pgx result set of pledge rows.
func scanPledgeItems(rows pgx.Rows) ([]queue.Item, error) {
	var items []queue.Item
	for rows.Next() {
		var (
			it         queue.Item
			status     string
			externalID *string
			lastError  *string
			note       *string
		)
		if err := rows.Scan(
			&it.ID, &it.CorrelationID, &it.BusinessKey, &it.Payload, &status,
			&it.Suppressed, &it.Attempts, &externalID, &it.RawResponse, &lastError, &note,
			&it.EnqueuedAt, &it.StartedAt, &it.LastAttemptAt, &it.NextAttemptAt, &it.CompletedAt,
		); err != nil {
			return nil, err
		}
		it.Status = queue.Status(status)
		it.ExternalID = deref(externalID)
		it.LastError = deref(lastError)
		it.Note = deref(note)
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanPledgeItemStd scans one row from a database/sql result set.
func scanPledgeItemStd(rows *sql.Rows) (queue.Item, error) {
	var (
		it         queue.Item
		status     string
		externalID sql.NullString
		rawResp    []byte
		lastError  sql.NullString
		note       sql.NullString
		startedAt  sql.NullTime
		lastAt     sql.NullTime
		doneAt     sql.NullTime
	)
	err := rows.Scan(
		&it.ID, &it.CorrelationID, &it.BusinessKey, &it.Payload, &status,
		&it.Suppressed, &it.Attempts, &externalID, &rawResp, &lastError, &note,
		&it.EnqueuedAt, &startedAt, &lastAt, &it.NextAttemptAt, &doneAt,
	)
	if err != nil {
		return queue.Item{}, err
	}
	it.Status = queue.Status(status)
	it.ExternalID = externalID.String
	it.RawResponse = rawResp
	it.LastError = lastError.String
	it.Note = note.String
	if startedAt.Valid {
		it.StartedAt = &startedAt.Time
	}
	if lastAt.Valid {
		it.LastAttemptAt = &lastAt.Time
	}
	if doneAt.Valid {
		it.CompletedAt = &doneAt.Time
	}
	return it, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
