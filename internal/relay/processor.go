// ABOUTME: Per-item submission pipeline: validate, duplicate-check, lock, submit, record.
// ABOUTME: Failures are classified as retryable, permanent, or duplicate; panics are contained.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/giving"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/lock"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/match"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
)

// Outcome is what processing one claimed item resulted in.
type Outcome int

const (
	// OutcomeSucceeded: the giving API accepted the submission.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed: the attempt failed; the item retries after backoff.
	OutcomeFailed
	// OutcomeExhausted: the attempt failed and it was the last one.
	OutcomeExhausted
	// OutcomeSuppressed: duplicate or permanent error; operator review needed.
	OutcomeSuppressed
	// OutcomeSkipped: a concurrent holder owns the item lock; nothing was
	// recorded and the stale reset will make the item claimable again.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// DedupeConfig tunes the pre-submission duplicate search.
type DedupeConfig struct {
	// WindowBefore and WindowAfter bound the search around the pledge's
	// effective date.
	WindowBefore time.Duration
	WindowAfter  time.Duration
	// TolerancePence is the absolute amount difference still treated as the
	// same donation.
	TolerancePence int64
}

// Processor runs one claimed item through the submission pipeline. It is
// stateless between items and safe for concurrent use.
type Processor struct {
	items     queue.ItemStore
	client    giving.Client
	locker    lock.Locker
	allocator *match.Allocator // nil disables gift matching
	policy    queue.Policy
	dedupe    DedupeConfig
	log       *slog.Logger
}

// NewProcessor wires the pipeline. allocator may be nil.
func NewProcessor(items queue.ItemStore, client giving.Client, locker lock.Locker,
	allocator *match.Allocator, policy queue.Policy, dedupe DedupeConfig) *Processor {
	return &Processor{
		items:     items,
		client:    client,
		locker:    locker,
		allocator: allocator,
		policy:    policy,
		dedupe:    dedupe,
		log:       slog.Default(),
	}
}

// Process submits one claimed item. The item's attempt count was already
// incremented by the claim, so every exit path records a terminal state for
// this attempt; a panic in any stage is converted into a failed attempt
// rather than wedging the row until the stale reset.
func (p *Processor) Process(ctx context.Context, item queue.Item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while processing item", "item_id", item.ID, "panic", r)
			outcome = p.fail(ctx, item, fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	pledge, perr := giving.ParsePledge(item.Payload)
	if perr != nil {
		// Malformed payloads can never succeed; retrying burns attempts.
		return p.suppress(ctx, item, perr.Error()), nil
	}

	if dup, detail := p.findDuplicate(ctx, pledge); dup {
		return p.suppress(ctx, item, detail), nil
	}

	got, lerr := p.locker.TryAcquire(ctx, "pledge:"+item.ID.String())
	if lerr != nil {
		return p.fail(ctx, item, fmt.Sprintf("acquire item lock: %v", lerr)), nil
	}
	if !got {
		// Claim exclusivity should make this unreachable; if it happens a
		// concurrent holder is active and this attempt stands down without
		// recording anything. The claim ages out via the stale reset.
		p.log.Warn("item advisory lock held by another session, skipping",
			"item_id", item.ID)
		return OutcomeSkipped, nil
	}
	defer func() {
		if rerr := p.locker.Release(ctx, "pledge:"+item.ID.String()); rerr != nil {
			p.log.Warn("release item lock", "item_id", item.ID, "error", rerr)
		}
	}()

	result, serr := p.client.Submit(ctx, item.Payload)
	if serr != nil {
		var apiErr *giving.APIError
		if errors.As(serr, &apiErr) && apiErr.IsPermanent() {
			return p.suppress(ctx, item, serr.Error()), nil
		}
		return p.fail(ctx, item, serr.Error()), nil
	}

	note := fmt.Sprintf("accepted as %s", result.ExternalID)
	if err := p.items.MarkSucceeded(ctx, item.ID, result.ExternalID, result.Raw, note); err != nil {
		return OutcomeSucceeded, fmt.Errorf("mark succeeded %s: %w", item.ID, err)
	}
	p.allocateMatch(ctx, item, pledge)
	return OutcomeSucceeded, nil
}

// findDuplicate searches the giving API for an existing donation matching
// this pledge. Search errors are logged and treated as "no duplicate": a
// duplicate submission is recoverable downstream, a silently dropped pledge
// is not.
func (p *Processor) findDuplicate(ctx context.Context, pledge giving.Pledge) (bool, string) {
	effective, err := pledge.Effective()
	if err != nil {
		return false, ""
	}
	candidates, err := p.client.Search(ctx, giving.SearchQuery{
		CharityRef:  pledge.CharityRef,
		DonorRef:    pledge.DonorRef,
		From:        effective.Add(-p.dedupe.WindowBefore),
		To:          effective.Add(p.dedupe.WindowAfter),
		AmountPence: pledge.AmountPence,
	})
	if err != nil {
		p.log.Warn("duplicate search failed, proceeding",
			"donor_ref", pledge.DonorRef, "error", err)
		return false, ""
	}
	for _, c := range candidates {
		diff := c.AmountPence - pledge.AmountPence
		if diff < 0 {
			diff = -diff
		}
		if diff <= p.dedupe.TolerancePence {
			return true, fmt.Sprintf("duplicate of existing donation %s (%d pence on %s)",
				c.ExternalID, c.AmountPence, c.EffectiveDate.Format("2006-01-02"))
		}
	}
	return false, ""
}

// allocateMatch applies gift matching after a successful submission. Never
// fails the pledge: problems become warnings on the item.
func (p *Processor) allocateMatch(ctx context.Context, item queue.Item, pledge giving.Pledge) {
	if p.allocator == nil {
		return
	}
	outcome, granted, err := p.allocator.Allocate(ctx, item.ID, pledge.AmountPence)
	if err != nil {
		p.warn(ctx, item, fmt.Sprintf("gift matching failed: %v", err))
		return
	}
	if outcome == match.Partial {
		p.warn(ctx, item, fmt.Sprintf("gift matching partial: %d of %d pence", granted, pledge.AmountPence))
	}
}

func (p *Processor) warn(ctx context.Context, item queue.Item, msg string) {
	if err := p.items.AppendWarning(ctx, item.ID, msg); err != nil {
		p.log.Error("append warning", "item_id", item.ID, "error", err)
	}
}

func (p *Processor) suppress(ctx context.Context, item queue.Item, reason string) Outcome {
	if err := p.items.Suppress(ctx, item.ID, reason); err != nil {
		p.log.Error("suppress item", "item_id", item.ID, "error", err)
	}
	return OutcomeSuppressed
}

func (p *Processor) fail(ctx context.Context, item queue.Item, errMsg string) Outcome {
	// The claim already counted this attempt, so the failure number is
	// Attempts-1 (0-based) when computing the next delay.
	delay := p.policy.Delay(item.Attempts - 1)
	if err := p.items.MarkFailed(ctx, item.ID, errMsg, "", delay); err != nil {
		p.log.Error("mark failed", "item_id", item.ID, "error", err)
	}
	if item.Attempts >= p.policy.MaxAttempts {
		// Spending the final attempt parks the item: the claim predicate
		// alone would stop retries, but the row must say why it is terminal.
		reason := fmt.Sprintf("max attempts reached after %d", item.Attempts)
		if err := p.items.Suppress(ctx, item.ID, reason); err != nil {
			p.log.Error("suppress exhausted item", "item_id", item.ID, "error", err)
		}
		return OutcomeExhausted
	}
	return OutcomeFailed
}
