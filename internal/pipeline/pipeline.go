// Package pipeline glues the checkout stages together: camera workers push
// normalized batches into the correlator, whose confirmed events flow
// through the fusion reconciler into the cart store and the database.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/config"
	"github.com/visionkarts/checkout/internal/correlate"
	"github.com/visionkarts/checkout/internal/fusion"
	"github.com/visionkarts/checkout/internal/ingest"
	"github.com/visionkarts/checkout/internal/monitoring"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/store"
	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/vision"
)

// maxDeferredEvents bounds the retry queue for events whose persistence
// failed. Beyond this the oldest entries are shed; the in-memory cart
// remains authoritative either way.
const maxDeferredEvents = 1024

// persistTimeout bounds each database write issued from the event sink.
const persistTimeout = 5 * time.Second

// Pipeline owns the correlator and the event sink that connects it to the
// fusion, cart, and storage layers.
type Pipeline struct {
	tuning     *config.TuningConfig
	carts      *cart.Store
	sessions   *session.Manager
	reconciler *fusion.Reconciler
	db         *store.DB
	correlator *correlate.Correlator

	mu       sync.Mutex
	deferred []correlate.ProductEvent
}

func New(tuning *config.TuningConfig, carts *cart.Store, sessions *session.Manager, reconciler *fusion.Reconciler, db *store.DB) *Pipeline {
	p := &Pipeline{
		tuning:     tuning,
		carts:      carts,
		sessions:   sessions,
		reconciler: reconciler,
		db:         db,
	}
	cfg := correlate.Config{
		PickConfidence: tuning.GetPickConfidence(),
		DebounceFrames: tuning.GetDebounceFrames(),
		MaxSightingGap: tuning.GetDebounceWindow(),
	}
	p.correlator = correlate.New(cfg, tuning.GetReorderWindow(), p.commitEvent, func(customerID string, _ time.Time) {
		sessions.Touch(customerID)
	})
	// A settled or aborted session tears down the customer's lane, so the
	// debounce state of one visit cannot swallow the next visit's picks.
	sessions.SetReleaseHandler(p.correlator.DropCustomer)
	return p
}

// RunCamera starts a camera worker plus the pump goroutine that feeds its
// batches into the correlator. Both register with wg so shutdown waits for
// them.
func (p *Pipeline) RunCamera(ctx context.Context, wg *sync.WaitGroup, cameraID string, source ingest.FrameSource, detector ingest.Detector, identity ingest.IdentityResolver, clock timeutil.Clock) *ingest.Worker {
	normCfg := vision.DefaultNormalizerConfig()
	normCfg.IoUThreshold = p.tuning.GetIoUThreshold()
	normCfg.MaxMissedFrames = p.tuning.GetMaxMissedFrames()
	normCfg.ConfidenceWindow = p.tuning.GetConfidenceWindow()
	normalizer := vision.NewNormalizer(cameraID, normCfg)

	w := ingest.NewWorker(cameraID, source, detector, identity, normalizer, clock,
		p.tuning.GetFrameBuffer(), p.tuning.GetMaxConsecutiveErrors())

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx, p.tuning.GetFrameInterval()); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("camera %s worker stopped: %v", cameraID, err)
		}
	}()
	go func() {
		defer wg.Done()
		for b := range w.Batches() {
			p.correlator.Submit(b)
		}
	}()
	return w
}

// Submit feeds one batch directly into the correlator, bypassing the
// camera workers. Used by the simulator and by tests.
func (p *Pipeline) Submit(b ingest.Batch) {
	p.correlator.Submit(b)
}

// Close waits for every buffered batch to clear the correlator lanes, then
// makes a final attempt at any deferred event writes. The pipeline accepts
// no more batches afterwards.
func (p *Pipeline) Close() {
	p.correlator.Close()
	p.flushDeferred(nil)
}

// commitEvent is the correlator sink: every confirmed event is reconciled
// against sensor evidence, applied to the customer's cart, and persisted.
func (p *Pipeline) commitEvent(ev correlate.ProductEvent) {
	ev = p.reconciler.Reconcile(ev)

	switch err := p.carts.ApplyEvent(ev); {
	case err == nil:
	case errors.Is(err, cart.ErrCartUnderflow):
		// The cart discarded the event; it is still persisted so the
		// audit trail shows what vision claimed to see.
		ev.Verification = correlate.Rejected
	case errors.Is(err, cart.ErrCartFrozen), errors.Is(err, cart.ErrNoCart):
		// A late event after exit, or a customer without an open session.
		// Nothing to apply it to, but the history keeps it.
		monitoring.Logf("event %s for customer %s not applied: %v", ev.EventID, ev.CustomerID, err)
	default:
		monitoring.Logf("event %s for customer %s failed: %v", ev.EventID, ev.CustomerID, err)
	}

	p.flushDeferred(&ev)
}

// flushDeferred persists ev (when non-nil) along with any previously
// deferred events, re-queueing whatever still fails. Processing never
// blocks on the database: a failed write parks the event and the cart
// stays authoritative.
func (p *Pipeline) flushDeferred(ev *correlate.ProductEvent) {
	p.mu.Lock()
	queued := p.deferred
	p.deferred = nil
	p.mu.Unlock()
	if ev != nil {
		queued = append(queued, *ev)
	}
	if len(queued) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var failed []correlate.ProductEvent
	for _, e := range queued {
		if err := p.db.SaveProductEvent(ctx, e); err != nil {
			monitoring.Logf("deferring event %s: %v", e.EventID, err)
			failed = append(failed, e)
			continue
		}
		if e.Verification == correlate.Rejected {
			if err := p.db.SaveAuditRecord(ctx, cart.AuditRecord{
				At:         e.CommittedAt,
				CustomerID: e.CustomerID,
				EventID:    e.EventID,
				Label:      e.Label,
				Kind:       string(e.Kind),
				Note:       "discarded: return for product not in cart",
			}); err != nil {
				monitoring.Logf("failed to persist audit record for event %s: %v", e.EventID, err)
			}
		}
	}

	if len(failed) > 0 {
		p.mu.Lock()
		p.deferred = append(failed, p.deferred...)
		if n := len(p.deferred); n > maxDeferredEvents {
			monitoring.Logf("deferred event queue full, shedding %d oldest events", n-maxDeferredEvents)
			p.deferred = p.deferred[n-maxDeferredEvents:]
		}
		p.mu.Unlock()
	}
}
