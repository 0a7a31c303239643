// ABOUTME: Status-trail work-item store over outbox_items + outbox_trail.
// ABOUTME: Attempts and suppression are derived by scanning sentinel events, not stored.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
)

// Trail event sentinels. The trail is append-only; derived state is a pure
// function of the event sequence, trading structured querying for a complete
// audit history.
const (
	trailSaved              = "Saved"
	trailRetryAttempt       = "RetryAttempt"
	trailSucceeded          = "Succeeded"
	trailFailed             = "Failed"
	trailSuppressed         = "Suppressed"
	trailSuppressionCleared = "SuppressionCleared"
	trailReplayed           = "Replayed"
	trailStaleReset         = "StaleReset"
	trailWarning            = "Warning"
)

// TrailStore implements queue.ItemStore over the outbox tables.
//
// Attempt count = RetryAttempt events since the last Replayed event.
// Suppressed    = the latest of {Suppressed, SuppressionCleared, Replayed}
// is Suppressed. Backoff eligibility is computed in SQL from the last
// RetryAttempt timestamp and the policy parameters carried in ClaimParams.
type TrailStore struct {
	s *Store
}

var _ queue.ItemStore = (*TrailStore)(nil)

// trailStateCTEs is prepended to queries that need derived attempt and
// suppression state.
const trailStateCTEs = `
WITH last_replay AS (
	SELECT item_id, max(id) AS rid
	FROM outbox_trail WHERE event = 'Replayed' GROUP BY item_id
), tally AS (
	SELECT tr.item_id, count(*)::int AS n, max(tr.recorded_at) AS last_at
	FROM outbox_trail tr
	LEFT JOIN last_replay lr ON lr.item_id = tr.item_id
	WHERE tr.event = 'RetryAttempt' AND tr.id > COALESCE(lr.rid, 0)
	GROUP BY tr.item_id
), latest_suppression AS (
	SELECT DISTINCT ON (item_id) item_id, event
	FROM outbox_trail
	WHERE event IN ('Suppressed', 'SuppressionCleared', 'Replayed')
	ORDER BY item_id, id DESC
)`

// Enqueue upserts the item and records a Saved event.
func (t *TrailStore) Enqueue(ctx context.Context, payload json.RawMessage, businessKey string, correlationID uuid.UUID) (uuid.UUID, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return uuid.Nil, queue.ErrEmptyPayload
	}
	var id uuid.UUID
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO outbox_items (correlation_id, business_key, payload)
			VALUES ($1, $2, $3)
			ON CONFLICT (business_key) WHERE status IN ('pending', 'processing')
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
			RETURNING id`,
			correlationID, businessKey, payload,
		).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, 'pledge saved for submission')`,
			id, trailSaved)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue outbox item: %w", err)
	}
	return id, nil
}

// ResetStaleProcessing returns abandoned processing rows to pending and
// appends a StaleReset event for each. Attempt counts are derived from
// RetryAttempt events only, so the reset never changes them.
func (t *TrailStore) ResetStaleProcessing(ctx context.Context, staleAfter time.Duration) (int, error) {
	var n int
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH reset AS (
				UPDATE outbox_items
				SET status = 'pending', updated_at = now()
				WHERE status = 'processing'
				  AND completed_at IS NULL
				  AND started_at < now() - ($1::bigint * interval '1 second')
				RETURNING id
			)
			INSERT INTO outbox_trail (item_id, event, detail)
			SELECT id, $2, 'processing exceeded stale threshold' FROM reset
			RETURNING item_id`,
			int64(staleAfter.Seconds()), trailStaleReset,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			n++
		}
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("reset stale outbox items: %w", err)
	}
	return n, nil
}

// ClaimBatch transitions eligible rows to processing and appends their
// RetryAttempt events inside one transaction, so a crash mid-submission is
// visible as a spent attempt on the next pass.
func (t *TrailStore) ClaimBatch(ctx context.Context, p queue.ClaimParams) ([]queue.Item, error) {
	if _, err := t.ResetStaleProcessing(ctx, p.StaleAfter); err != nil {
		return nil, err
	}

	var items []queue.Item
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, trailStateCTEs+`,
		candidates AS (
			SELECT o.id, COALESCE(ta.n, 0) AS n
			FROM outbox_items o
			LEFT JOIN tally ta ON ta.item_id = o.id
			LEFT JOIN latest_suppression s ON s.item_id = o.id
			WHERE o.status IN ('pending', 'failed')
			  AND COALESCE(s.event, '') <> 'Suppressed'
			  AND COALESCE(ta.n, 0) < $1
			  AND (ta.last_at IS NULL
			       OR ta.last_at + LEAST($2 * power(2, GREATEST(COALESCE(ta.n, 0) - 1, 0)), $3) * interval '1 second' <= now())
			ORDER BY o.enqueued_at, o.id
			LIMIT $4
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE outbox_items o
		SET status = 'processing',
		    started_at = now(),
		    completed_at = NULL,
		    updated_at = now()
		FROM candidates c
		WHERE o.id = c.id
		RETURNING o.id, o.correlation_id, o.business_key, o.payload,
		          c.n + 1, o.external_id, o.enqueued_at, o.started_at, o.completed_at`,
			p.MaxAttempts,
			int64(p.BaseDelay.Seconds()),
			int64(p.MaxDelay.Seconds()),
			queue.ClampMaxItems(p.MaxItems),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		now := time.Now()
		for rows.Next() {
			var (
				it         queue.Item
				externalID *string
			)
			if err := rows.Scan(&it.ID, &it.CorrelationID, &it.BusinessKey, &it.Payload,
				&it.Attempts, &externalID, &it.EnqueuedAt, &it.StartedAt, &it.CompletedAt); err != nil {
				return err
			}
			it.Status = queue.StatusProcessing
			it.ExternalID = deref(externalID)
			at := now
			it.LastAttemptAt = &at
			it.NextAttemptAt = now
			items = append(items, it)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, it := range items {
			if _, err := tx.Exec(ctx,
				`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, $3)`,
				it.ID, trailRetryAttempt, fmt.Sprintf("attempt %d claimed", it.Attempts)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, nil
}

// MarkSucceeded completes the item. The Succeeded event is appended only on
// the transition, so re-delivery leaves the trail unchanged.
func (t *TrailStore) MarkSucceeded(ctx context.Context, id uuid.UUID, externalID string, raw json.RawMessage, note string) error {
	var rawArg any
	if len(raw) > 0 {
		rawArg = raw
	}
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox_items
			SET status = 'succeeded',
			    external_id = $2,
			    raw_response = $3,
			    completed_at = COALESCE(completed_at, now()),
			    updated_at = now()
			WHERE id = $1 AND status <> 'succeeded'`,
			id, externalID, rawArg,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, $3)`,
			id, trailSucceeded, note)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark outbox succeeded: %w", err)
	}
	return nil
}

// MarkFailed records the failure. retryAfter is ignored: the claim query
// derives the backoff window from the RetryAttempt timestamps.
func (t *TrailStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg, note string, _ time.Duration) error {
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox_items
			SET status = 'failed',
			    completed_at = COALESCE(completed_at, now()),
			    updated_at = now()
			WHERE id = $1 AND status = 'processing'`,
			id,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		detail := errMsg
		if note != "" {
			detail = errMsg + ": " + note
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, $3)`,
			id, trailFailed, detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// Suppress appends a Suppressed event unless the item is already suppressed.
func (t *TrailStore) Suppress(ctx context.Context, id uuid.UUID, note string) error {
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_items
			SET status = 'failed',
			    completed_at = COALESCE(completed_at, now()),
			    updated_at = now()
			WHERE id = $1`,
			id,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_trail (item_id, event, detail)
			SELECT $1, $2, $3
			WHERE COALESCE((
				SELECT event FROM outbox_trail
				WHERE item_id = $1 AND event IN ('Suppressed', 'SuppressionCleared', 'Replayed')
				ORDER BY id DESC LIMIT 1
			), '') <> 'Suppressed'`,
			id, trailSuppressed, note)
		return err
	})
	if err != nil {
		return fmt.Errorf("suppress outbox item: %w", err)
	}
	return nil
}

// ClearSuppression appends a SuppressionCleared event if the item is
// currently suppressed.
func (t *TrailStore) ClearSuppression(ctx context.Context, id uuid.UUID, note string) error {
	_, err := t.s.pool.Exec(ctx, `
		INSERT INTO outbox_trail (item_id, event, detail)
		SELECT $1, $2, $3
		WHERE COALESCE((
			SELECT event FROM outbox_trail
			WHERE item_id = $1 AND event IN ('Suppressed', 'SuppressionCleared', 'Replayed')
			ORDER BY id DESC LIMIT 1
		), '') = 'Suppressed'`,
		id, trailSuppressionCleared, note)
	if err != nil {
		return fmt.Errorf("clear outbox suppression: %w", err)
	}
	return nil
}

// Replay resets a terminal-failed item. The Replayed event re-bases the
// derived attempt count at zero without rewriting history.
func (t *TrailStore) Replay(ctx context.Context, id uuid.UUID, note string) error {
	err := t.s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox_items
			SET status = 'pending', completed_at = NULL, updated_at = now()
			WHERE id = $1 AND status = 'failed'`,
			id,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM outbox_items WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return queue.ErrItemNotFound
			}
			return queue.ErrNotReplayable
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, $3)`,
			id, trailReplayed, note)
		return err
	})
	if err != nil {
		return err
	}
	return nil
}

// AppendWarning records a Warning event.
func (t *TrailStore) AppendWarning(ctx context.Context, id uuid.UUID, warning string) error {
	_, err := t.s.pool.Exec(ctx,
		`INSERT INTO outbox_trail (item_id, event, detail) VALUES ($1, $2, $3)`,
		id, trailWarning, warning)
	if err != nil {
		return fmt.Errorf("append outbox warning: %w", err)
	}
	return nil
}

// Get returns the item with its derived attempt and suppression state.
func (t *TrailStore) Get(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	row := t.s.pool.QueryRow(ctx, trailStateCTEs+`
		SELECT o.id, o.correlation_id, o.business_key, o.payload, o.status,
		       COALESCE(ta.n, 0),
		       COALESCE(s.event, '') = 'Suppressed',
		       ta.last_at,
		       o.external_id, o.raw_response, o.enqueued_at, o.started_at, o.completed_at,
		       COALESCE((SELECT detail FROM outbox_trail
		                 WHERE item_id = o.id ORDER BY id DESC LIMIT 1), ''),
		       COALESCE((SELECT detail FROM outbox_trail
		                 WHERE item_id = o.id AND event = 'Failed'
		                 ORDER BY id DESC LIMIT 1), '')
		FROM outbox_items o
		LEFT JOIN tally ta ON ta.item_id = o.id
		LEFT JOIN latest_suppression s ON s.item_id = o.id
		WHERE o.id = $1`,
		id,
	)
	var (
		it         queue.Item
		status     string
		externalID *string
	)
	err := row.Scan(&it.ID, &it.CorrelationID, &it.BusinessKey, &it.Payload, &status,
		&it.Attempts, &it.Suppressed, &it.LastAttemptAt,
		&externalID, &it.RawResponse, &it.EnqueuedAt, &it.StartedAt, &it.CompletedAt,
		&it.Note, &it.LastError)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	it.Status = queue.Status(status)
	it.ExternalID = deref(externalID)
	return &it, nil
}

// List returns queue rows for the operator view, newest first, with derived
// attempt and suppression state. Optional filters are passed as NULLable
// parameters so one statement covers every combination.
func (t *TrailStore) List(ctx context.Context, lp ListParams) ([]queue.Item, error) {
	limit := lp.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var (
		status     *string
		cursorTime *time.Time
		cursorID   *uuid.UUID
	)
	if lp.Status != nil {
		s := string(*lp.Status)
		status = &s
	}
	if !lp.CursorTime.IsZero() {
		ct, cid := lp.CursorTime, lp.CursorID
		cursorTime, cursorID = &ct, &cid
	}

	rows, err := t.s.pool.Query(ctx, trailStateCTEs+`
		SELECT o.id, o.correlation_id, o.business_key, o.payload, o.status,
		       COALESCE(ta.n, 0),
		       COALESCE(s.event, '') = 'Suppressed',
		       ta.last_at,
		       o.external_id, o.raw_response, o.enqueued_at, o.started_at, o.completed_at,
		       COALESCE((SELECT detail FROM outbox_trail
		                 WHERE item_id = o.id ORDER BY id DESC LIMIT 1), ''),
		       COALESCE((SELECT detail FROM outbox_trail
		                 WHERE item_id = o.id AND event = 'Failed'
		                 ORDER BY id DESC LIMIT 1), '')
		FROM outbox_items o
		LEFT JOIN tally ta ON ta.item_id = o.id
		LEFT JOIN latest_suppression s ON s.item_id = o.id
		WHERE ($1::text IS NULL OR o.status = $1)
		  AND ($2::uuid IS NULL OR o.correlation_id = $2)
		  AND ($3::boolean IS NULL OR (COALESCE(s.event, '') = 'Suppressed') = $3)
		  AND ($4::timestamptz IS NULL OR (o.enqueued_at, o.id) < ($4, $5::uuid))
		ORDER BY o.enqueued_at DESC, o.id DESC
		LIMIT $6`,
		status, lp.CorrelationID, lp.Suppressed, cursorTime, cursorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox items: %w", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		var (
			it         queue.Item
			st         string
			externalID *string
		)
		if err := rows.Scan(&it.ID, &it.CorrelationID, &it.BusinessKey, &it.Payload, &st,
			&it.Attempts, &it.Suppressed, &it.LastAttemptAt,
			&externalID, &it.RawResponse, &it.EnqueuedAt, &it.StartedAt, &it.CompletedAt,
			&it.Note, &it.LastError); err != nil {
			return nil, fmt.Errorf("list outbox scan: %w", err)
		}
		it.Status = queue.Status(st)
		it.ExternalID = deref(externalID)
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountByStatus reports row counts per status.
func (t *TrailStore) CountByStatus(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := t.s.pool.Query(ctx,
		`SELECT status, count(*) FROM outbox_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
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
			return nil, fmt.Errorf("count outbox scan: %w", err)
		}
		out[queue.Status(st)] = n
	}
	return out, rows.Err()
}

// Trail returns the item's full audit trail, oldest first.
func (t *TrailStore) Trail(ctx context.Context, id uuid.UUID) ([]TrailEntry, error) {
	rows, err := t.s.pool.Query(ctx,
		`SELECT event, detail, recorded_at FROM outbox_trail WHERE item_id = $1 ORDER BY id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("read trail: %w", err)
	}
	defer rows.Close()

	var entries []TrailEntry
	for rows.Next() {
		var e TrailEntry
		if err := rows.Scan(&e.Event, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("trail scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TrailEntry is one audit event on an outbox item.
type TrailEntry struct {
	Event      string
	Detail     string
	RecordedAt time.Time
}
