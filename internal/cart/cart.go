// Package cart maintains the per-customer virtual cart: the authoritative
// in-progress record of what each customer is believed to be carrying.
// Event application is idempotent by event ID so that replayed upstream
// events never double-count.
package cart

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/visionkarts/checkout/internal/correlate"
	"github.com/visionkarts/checkout/internal/monitoring"
	"github.com/visionkarts/checkout/internal/timeutil"
)

var (
	// ErrNoCart is returned when no cart exists for the customer.
	ErrNoCart = errors.New("no cart for customer")
	// ErrCartExists is returned by Create when the customer already has a cart.
	ErrCartExists = errors.New("cart already exists for customer")
	// ErrCartFrozen is returned when an event arrives after the cart was
	// frozen for finalization.
	ErrCartFrozen = errors.New("cart is frozen")
	// ErrCartUnderflow is returned when a return event arrives for a product
	// the cart does not hold. The event is discarded and audited; the cart
	// is unchanged.
	ErrCartUnderflow = errors.New("return for product not in cart")
)

// Item is one product line in a cart snapshot.
type Item struct {
	Label    string `json:"label"`
	Quantity int    `json:"quantity"`
}

// AuditRecord captures a discarded or disputed event for offline review.
type AuditRecord struct {
	At         time.Time `json:"at"`
	CustomerID string    `json:"customer_id"`
	EventID    string    `json:"event_id"`
	Label      string    `json:"label"`
	Kind       string    `json:"kind"`
	Note       string    `json:"note"`
}

type state struct {
	mu       sync.Mutex
	items    map[string]int    // label -> quantity, quantities always > 0
	applied  map[string]error  // event ID -> recorded outcome
	frozen   bool
	snapshot []Item // fixed at freeze time
}

// Store holds the live carts. All methods are safe for concurrent use;
// per-cart locking keeps customers independent of each other.
type Store struct {
	clock timeutil.Clock

	mu    sync.RWMutex
	carts map[string]*state

	auditMu sync.Mutex
	audit   []AuditRecord
}

// NewStore creates an empty cart store.
func NewStore(clock timeutil.Clock) *Store {
	return &Store{
		clock: clock,
		carts: make(map[string]*state),
	}
}

// Create opens an empty cart for the customer. It fails with ErrCartExists
// if the customer already has one.
func (s *Store) Create(customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.carts[customerID]; ok {
		return ErrCartExists
	}
	s.carts[customerID] = &state{
		items:   make(map[string]int),
		applied: make(map[string]error),
	}
	return nil
}

// Exists reports whether the customer has a cart.
func (s *Store) Exists(customerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.carts[customerID]
	return ok
}

func (s *Store) get(customerID string) (*state, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCart, customerID)
	}
	return c, nil
}

// ApplyEvent applies one confirmed product event to the customer's cart.
// Replaying an event ID that was already applied is a no-op returning the
// originally recorded outcome. A return for a product the cart does not
// hold is discarded with ErrCartUnderflow and an audit record; the cart
// never goes negative.
func (s *Store) ApplyEvent(ev correlate.ProductEvent) error {
	c, err := s.get(ev.CustomerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome, ok := c.applied[ev.EventID]; ok {
		return outcome
	}
	if c.frozen {
		// Not recorded as applied: the event may be retried against the
		// next session, and the frozen snapshot must not drift.
		return ErrCartFrozen
	}

	var outcome error
	switch ev.Kind {
	case correlate.Pick:
		c.items[ev.Label]++
	case correlate.Return:
		if c.items[ev.Label] == 0 {
			outcome = ErrCartUnderflow
			s.recordAudit(AuditRecord{
				At:         s.clock.Now(),
				CustomerID: ev.CustomerID,
				EventID:    ev.EventID,
				Label:      ev.Label,
				Kind:       string(ev.Kind),
				Note:       "return discarded: product not in cart",
			})
			monitoring.Logf("cart: discarded return of %q for customer %s: not in cart", ev.Label, ev.CustomerID)
		} else {
			c.items[ev.Label]--
			if c.items[ev.Label] == 0 {
				delete(c.items, ev.Label)
			}
		}
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	c.applied[ev.EventID] = outcome
	return outcome
}

// Snapshot returns a sorted copy of the customer's cart contents. After a
// freeze it returns the frozen snapshot regardless of later activity.
func (s *Store) Snapshot(customerID string) ([]Item, error) {
	c, err := s.get(customerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return append([]Item(nil), c.snapshot...), nil
	}
	return itemList(c.items), nil
}

// Freeze marks the cart immutable and returns its final contents. Calling
// Freeze again returns the same snapshot, which lets finalization retry
// against identical contents.
func (s *Store) Freeze(customerID string) ([]Item, error) {
	c, err := s.get(customerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.frozen {
		c.frozen = true
		c.snapshot = itemList(c.items)
	}
	return append([]Item(nil), c.snapshot...), nil
}

// Remove drops the customer's cart. Removing an absent cart is a no-op.
func (s *Store) Remove(customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, customerID)
}

// AuditLog returns a copy of all recorded audit entries, oldest first.
func (s *Store) AuditLog() []AuditRecord {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	return append([]AuditRecord(nil), s.audit...)
}

func (s *Store) recordAudit(rec AuditRecord) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.audit = append(s.audit, rec)
}

func itemList(items map[string]int) []Item {
	out := make([]Item, 0, len(items))
	for label, qty := range items {
		out = append(out, Item{Label: label, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
