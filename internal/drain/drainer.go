package drain

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/backoff"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/drainlock"
	"fieldsync/internal/models"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
	"fieldsync/internal/telemetry"
)

// Submitter performs one remote attempt for an item and classifies it.
type Submitter interface {
	Submit(ctx context.Context, item models.QueueItem) submit.Outcome
}

// Limiter throttles outbound submissions. A nil limiter means unlimited.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// FileRemover cleans up spool files once their item leaves the queue.
type FileRemover interface {
	Remove(path string) error
}

// Config tunes the drain loop.
type Config struct {
	// QueueName scopes the single-flight lock; one logical queue per agent.
	QueueName string
	// Tick is the coarse periodic trigger between event-driven passes.
	Tick time.Duration
	// Holdoff is how long to wait before retrying when a pass could not run
	// (lock busy, rate limit empty).
	Holdoff time.Duration
}

// Drainer replays pending items against the backend. Passes are triggered
// (connectivity regained, periodic tick, explicit sync request), never
// free-running, and at most one runs per queue name at a time.
type Drainer struct {
	store     store.Store
	submitter Submitter
	lock      drainlock.Locker
	limiter   Limiter
	net       *connectivity.Monitor
	files     FileRemover
	cfg       Config

	trigger chan struct{}
	now     func() time.Time
}

// New wires a drainer. net and limiter may be nil: a nil monitor disables
// connectivity gating (useful in tests), a nil limiter never throttles.
func New(st store.Store, sub Submitter, lock drainlock.Locker, limiter Limiter, net *connectivity.Monitor, files FileRemover, cfg Config) *Drainer {
	if cfg.QueueName == "" {
		cfg.QueueName = "main"
	}
	if cfg.Tick == 0 {
		cfg.Tick = 5 * time.Minute
	}
	if cfg.Holdoff == 0 {
		cfg.Holdoff = 10 * time.Second
	}
	return &Drainer{
		store:     st,
		submitter: sub,
		lock:      lock,
		limiter:   limiter,
		net:       net,
		files:     files,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// TriggerSync requests a drain pass. Non-blocking; a pass already requested
// or running absorbs the signal.
func (d *Drainer) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run executes drain passes until the context is cancelled. All passes run
// on this goroutine, so in-process single-flight holds even before the lock.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	if !retry.Stop() {
		<-retry.C
	}
	defer retry.Stop()

	var regained <-chan struct{}
	if d.net != nil {
		regained = d.net.Regained()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
		case <-regained:
		case <-ticker.C:
		case <-retry.C:
		}

		if delay := d.DrainPass(ctx); delay > 0 {
			if !retry.Stop() {
				select {
				case <-retry.C:
				default:
				}
			}
			retry.Reset(delay)
		}
	}
}

// DrainPass runs one pass: fetch pending items, attempt the due ones in
// creation order, and write each outcome back. It returns how long to wait
// before the next pass is worth running, or zero when nothing is waiting.
func (d *Drainer) DrainPass(ctx context.Context) time.Duration {
	if d.net != nil && !d.net.Check(ctx) {
		// Offline: the regained signal will wake us, no timer needed.
		return 0
	}

	release, ok, err := d.lock.TryAcquire(ctx, d.cfg.QueueName)
	if err != nil || !ok {
		return d.cfg.Holdoff
	}
	defer release()

	telemetry.DrainPassCounter.Inc()

	items, err := d.store.ListByStatus(ctx, models.StatusPending, "")
	if err != nil {
		return d.cfg.Holdoff
	}

	now := d.now()
	// Resource keys that failed in this pass; later items on the same
	// resource are held back so replay stays in creation order per resource.
	held := make(map[string]bool)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if held[item.ResourceKey()] {
			continue
		}
		if !backoff.Due(item.LastAttemptAt, item.RetryCount, now) {
			// Not due yet; hold its resource so later writes to the same
			// target cannot overtake it.
			held[item.ResourceKey()] = true
			continue
		}
		if d.limiter != nil {
			allowed, err := d.limiter.Allow(ctx)
			if err != nil || !allowed {
				// Empty bucket: stop the pass, items stay pending.
				d.updateGauges(ctx)
				return d.cfg.Holdoff
			}
		}
		if !d.processItem(ctx, item) {
			held[item.ResourceKey()] = true
		}
	}

	d.updateGauges(ctx)
	return d.nextDue(ctx)
}

// processItem runs one attempt and applies its outcome. It returns false
// when the item stayed in the queue (any non-success outcome).
func (d *Drainer) processItem(ctx context.Context, item models.QueueItem) bool {
	attemptAt := d.now().UTC()
	out := d.attempt(ctx, item)

	// Cancelled mid-flight with no landed write: the outcome is unknown, so
	// the item keeps its state and the next pass tries again.
	if ctx.Err() != nil && out.Result != submit.ResultSuccess {
		return false
	}

	switch out.Result {
	case submit.ResultSuccess:
		if err := d.store.Delete(ctx, item.ID); err != nil {
			return false
		}
		if item.OwnsFile() && d.files != nil {
			_ = d.files.Remove(item.LocalPath)
		}
		telemetry.ReplayedCounter.Inc()
		return true

	case submit.ResultRetryable:
		retryCount := item.RetryCount + 1
		upd := store.StatusUpdate{
			Status:        models.StatusPending,
			RetryCount:    retryCount,
			LastAttemptAt: &attemptAt,
			LastError:     &out.Reason,
		}
		if backoff.IsTerminal(retryCount) {
			upd.Status = models.StatusFailed
			telemetry.ParkedCounter.Inc()
		} else {
			telemetry.RetryCounter.Inc()
		}
		_ = d.store.UpdateStatus(ctx, item.ID, upd)
		return false

	case submit.ResultConflict:
		_ = d.store.UpdateStatus(ctx, item.ID, store.StatusUpdate{
			Status:        models.StatusFailed,
			RetryCount:    item.RetryCount,
			LastAttemptAt: &attemptAt,
			LastError:     &out.Reason,
			Conflict:      true,
		})
		telemetry.ConflictCounter.Inc()
		return false

	default: // submit.ResultTerminal
		_ = d.store.UpdateStatus(ctx, item.ID, store.StatusUpdate{
			Status:        models.StatusFailed,
			RetryCount:    item.RetryCount,
			LastAttemptAt: &attemptAt,
			LastError:     &out.Reason,
		})
		telemetry.ParkedCounter.Inc()
		return false
	}
}

// attempt shields the pass from a panicking submitter; one item's blowup
// must not abort the others.
func (d *Drainer) attempt(ctx context.Context, item models.QueueItem) (out submit.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = submit.Outcome{
				Result: submit.ResultRetryable,
				Reason: fmt.Sprintf("submission panicked: %v", r),
			}
		}
	}()
	return d.submitter.Submit(ctx, item)
}

// nextDue returns the wait until the earliest pending item becomes eligible,
// or zero when the queue has no pending items.
func (d *Drainer) nextDue(ctx context.Context) time.Duration {
	items, err := d.store.ListByStatus(ctx, models.StatusPending, "")
	if err != nil || len(items) == 0 {
		return 0
	}
	now := d.now()
	var earliest time.Time
	for _, item := range items {
		due := now
		if item.LastAttemptAt != nil {
			due = item.LastAttemptAt.Add(backoff.Delay(item.RetryCount - 1))
		}
		if earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	delay := earliest.Sub(now)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

func (d *Drainer) updateGauges(ctx context.Context) {
	if pending, err := d.store.ListByStatus(ctx, models.StatusPending, ""); err == nil {
		telemetry.PendingGauge.Set(float64(len(pending)))
	}
	if failed, err := d.store.ListByStatus(ctx, models.StatusFailed, ""); err == nil {
		telemetry.FailedGauge.Set(float64(len(failed)))
	}
}
