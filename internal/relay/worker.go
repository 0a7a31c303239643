// ABOUTME: Polling worker host: claims batches, runs the processor, drains fast.
// ABOUTME: A kill-switch check per batch suppresses claimed items when posting is off.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/giving"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
)

// drainInterval is the short pause between batches while the queue still has
// eligible work. The full poll interval applies only once a batch comes back
// empty.
const drainInterval = 250 * time.Millisecond

// WorkerConfig holds worker tuning parameters (sourced from config.Config).
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// EventKind classifies operator-facing worker events.
type EventKind int

const (
	// EventSuppressed: an item was parked for operator review.
	EventSuppressed EventKind = iota
	// EventExhausted: an item spent its final attempt.
	EventExhausted
)

// Event is emitted for outcomes an operator should hear about.
type Event struct {
	Kind        EventKind
	ItemID      uuid.UUID
	BusinessKey string
	Reason      string
}

// batchSuppressor is implemented by stores that can suppress a claimed batch
// in one statement. Stores without it fall back to per-item suppression.
type batchSuppressor interface {
	SuppressMany(ctx context.Context, ids []uuid.UUID, note string) error
}

// Worker polls the queue and pushes claimed items through the Processor. One
// worker processes its batch sequentially; the giving API is rate limited, so
// in-process fan-out buys nothing. Run more processes for throughput — the
// claim protocol keeps them from colliding.
type Worker struct {
	items  queue.ItemStore
	proc   *Processor
	policy giving.PolicyProvider
	creds  giving.CredentialSource
	cfg    WorkerConfig
	log    *slog.Logger
	events chan Event
}

// NewWorker creates a Worker. policy may be nil, in which case posting is
// always allowed.
func NewWorker(items queue.ItemStore, proc *Processor, policy giving.PolicyProvider,
	creds giving.CredentialSource, cfg WorkerConfig) *Worker {
	if policy == nil {
		policy = giving.AlwaysAllowed()
	}
	return &Worker{
		items:  items,
		proc:   proc,
		policy: policy,
		creds:  creds,
		cfg:    cfg,
		log:    slog.Default(),
		events: make(chan Event, 64),
	}
}

// Events returns the operator event stream. Events are dropped when the
// buffer is full; alerting is best-effort.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Start runs the poll loop until ctx is cancelled. It fails fast if the
// credential source cannot produce a credential at startup.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.creds.Credential(ctx); err != nil {
		return fmt.Errorf("worker preflight: %w", err)
	}
	if allowed, reason, err := w.policy.SubmissionAllowed(ctx); err != nil {
		w.log.Warn("kill-switch check failed at startup", "error", err)
	} else if !allowed {
		w.log.Warn("posting disabled at startup", "reason", reason)
	}
	w.log.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"max_attempts", w.cfg.MaxAttempts)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return nil
		case <-timer.C:
			n := w.runBatch(ctx)
			if n > 0 {
				timer.Reset(drainInterval)
			} else {
				timer.Reset(w.cfg.PollInterval)
			}
		}
	}
}

// RunOnce executes a single batch cycle and reports how many items it
// processed. Used in tests and by the one-shot CLI mode.
func (w *Worker) RunOnce(ctx context.Context) int {
	return w.runBatch(ctx)
}

func (w *Worker) runBatch(ctx context.Context) int {
	items, err := w.items.ClaimBatch(ctx, queue.ClaimParams{
		MaxItems:    w.cfg.BatchSize,
		MaxAttempts: w.cfg.MaxAttempts,
		StaleAfter:  w.cfg.StaleAfter,
		BaseDelay:   w.cfg.BaseDelay,
		MaxDelay:    w.cfg.MaxDelay,
	})
	if err != nil {
		w.log.Error("claim batch", "error", err)
		return 0
	}
	w.updateDepthGauge(ctx)
	if len(items) == 0 {
		return 0
	}
	metricClaimed.Add(float64(len(items)))

	// The kill-switch is re-read every batch so an operator flipping it
	// takes effect without a restart. Items already claimed when posting is
	// off are suppressed: silently unclaiming them would retry-loop against
	// a deliberately closed door.
	if allowed, reason, perr := w.policy.SubmissionAllowed(ctx); perr != nil {
		w.log.Warn("kill-switch check failed, proceeding", "error", perr)
	} else if !allowed {
		w.suppressBatch(ctx, items, reason)
		return len(items)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			// Shutdown mid-batch: unprocessed claims age out via stale reset.
			return len(items)
		}
		outcome, err := w.proc.Process(ctx, item)
		if err != nil {
			w.log.Error("process item", "item_id", item.ID, "error", err)
		}
		w.record(item, outcome)
	}
	return len(items)
}

func (w *Worker) record(item queue.Item, outcome Outcome) {
	switch outcome {
	case OutcomeSucceeded:
		metricSucceeded.Inc()
		w.log.Info("pledge submitted", "item_id", item.ID, "attempt", item.Attempts)
	case OutcomeFailed:
		metricFailed.Inc()
		w.log.Warn("pledge attempt failed", "item_id", item.ID, "attempt", item.Attempts)
	case OutcomeExhausted:
		metricFailed.Inc()
		metricExhausted.Inc()
		w.log.Error("pledge attempts exhausted", "item_id", item.ID, "attempts", item.Attempts)
		w.emit(Event{Kind: EventExhausted, ItemID: item.ID, BusinessKey: item.BusinessKey,
			Reason: fmt.Sprintf("no attempts left after %d", item.Attempts)})
	case OutcomeSuppressed:
		metricSuppressed.Inc()
		w.log.Warn("pledge suppressed", "item_id", item.ID)
		w.emit(Event{Kind: EventSuppressed, ItemID: item.ID, BusinessKey: item.BusinessKey,
			Reason: "suppressed during processing"})
	case OutcomeSkipped:
		w.log.Info("pledge skipped, item lock contended", "item_id", item.ID)
	}
}

func (w *Worker) suppressBatch(ctx context.Context, items []queue.Item, reason string) {
	note := "posting disabled: " + reason
	w.log.Warn("suppressing claimed batch, posting disabled",
		"count", len(items), "reason", reason)

	if bs, ok := w.items.(batchSuppressor); ok {
		ids := make([]uuid.UUID, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := bs.SuppressMany(ctx, ids, note); err != nil {
			w.log.Error("suppress claimed batch", "error", err)
			return
		}
	} else {
		for _, item := range items {
			if err := w.items.Suppress(ctx, item.ID, note); err != nil {
				w.log.Error("suppress claimed item", "item_id", item.ID, "error", err)
			}
		}
	}
	metricSuppressed.Add(float64(len(items)))
	for _, item := range items {
		w.emit(Event{Kind: EventSuppressed, ItemID: item.ID,
			BusinessKey: item.BusinessKey, Reason: note})
	}
}

func (w *Worker) updateDepthGauge(ctx context.Context) {
	counts, err := w.items.CountByStatus(ctx)
	if err != nil {
		w.log.Warn("count queue depth", "error", err)
		return
	}
	for status, n := range counts {
		metricQueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn("event buffer full, dropping", "item_id", ev.ItemID)
	}
}
