package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionkarts/checkout/internal/billing"
	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/monitoring"
	"github.com/visionkarts/checkout/internal/timeutil"
)

// Transaction is the settled outcome of one session. Exactly one exists
// per settled session, including empty-cart and timed-out exits.
type Transaction struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	CustomerID string             `json:"customer_id"`
	Lines      []billing.LineItem `json:"lines"`
	TotalCent  int64              `json:"total_cent"`
	CreatedAt  time.Time          `json:"created_at"`
}

// SettlementSink persists the outcome of a settlement: the transaction and
// the session's final state.
type SettlementSink interface {
	SaveTransaction(ctx context.Context, txn Transaction) error
	SaveSession(ctx context.Context, s Session) error
}

// Finalizer settles exiting and timed-out sessions: freeze the cart, price
// the frozen snapshot, persist exactly one transaction, release the
// customer. Finalize may be retried safely; the frozen snapshot is stable
// across attempts and a settled session returns its existing transaction.
type Finalizer struct {
	mgr    *Manager
	carts  *cart.Store
	biller billing.Biller
	sink   SettlementSink
	clock  timeutil.Clock

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	settled map[string]Transaction // session ID -> transaction
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(mgr *Manager, carts *cart.Store, biller billing.Biller, sink SettlementSink, clock timeutil.Clock) *Finalizer {
	return &Finalizer{
		mgr:     mgr,
		carts:   carts,
		biller:  biller,
		sink:    sink,
		clock:   clock,
		locks:   make(map[string]*sync.Mutex),
		settled: make(map[string]Transaction),
	}
}

func (f *Finalizer) sessionLock(sessionID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[sessionID] = l
	}
	return l
}

// Finalize settles the session. Concurrent calls for the same session
// serialize; all of them observe the single transaction.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) (Transaction, error) {
	lock := f.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f.mu.Lock()
	if txn, ok := f.settled[sessionID]; ok {
		f.mu.Unlock()
		return txn, nil
	}
	f.mu.Unlock()

	// Marking the session as settling blocks a concurrent Abort from
	// voiding it between the transaction write and the state change.
	sess, err := f.mgr.beginSettle(sessionID)
	if err != nil {
		return Transaction{}, err
	}
	committed := false
	defer func() {
		if !committed {
			f.mgr.cancelSettle(sessionID)
		}
	}()

	// From here on the snapshot is fixed; a retry after a pricing or
	// persistence failure settles the exact same contents.
	items, err := f.carts.Freeze(sess.CustomerID)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to freeze cart: %w", err)
	}

	receipt, err := f.biller.Price(ctx, items)
	if err != nil {
		return Transaction{}, fmt.Errorf("pricing failed for session %s: %w", sessionID, err)
	}

	txn := Transaction{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		CustomerID: sess.CustomerID,
		Lines:      receipt.Lines,
		TotalCent:  receipt.TotalCent,
		CreatedAt:  f.clock.Now(),
	}

	if err := f.sink.SaveTransaction(ctx, txn); err != nil {
		return Transaction{}, fmt.Errorf("failed to persist transaction: %w", err)
	}

	if err := f.mgr.settle(sessionID, txn.ID); err != nil {
		return Transaction{}, err
	}
	committed = true

	f.mu.Lock()
	f.settled[sessionID] = txn
	f.mu.Unlock()

	// The transaction is committed; the session row is a snapshot for the
	// dashboard, so a failed write logs rather than failing the settlement.
	if updated, err := f.mgr.Get(sessionID); err == nil {
		if err := f.sink.SaveSession(ctx, updated); err != nil {
			monitoring.Logf("failed to persist settled session %s: %v", sessionID, err)
		}
	}

	monitoring.Logf("session %s settled: %d line(s), total %d cents", sessionID, len(txn.Lines), txn.TotalCent)
	return txn, nil
}

// HandleTimeout is the Manager sweep callback: it settles an expired
// session in the background and logs failures rather than propagating
// them, since nobody is waiting on a timed-out session.
func (f *Finalizer) HandleTimeout(sessionID string) {
	if _, err := f.Finalize(context.Background(), sessionID); err != nil {
		monitoring.Logf("failed to finalize timed-out session %s: %v", sessionID, err)
	}
}
