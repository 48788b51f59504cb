// Package session tracks each customer's visit from entry to settlement.
// A session owns the customer's cart for its lifetime; at most one live
// session exists per customer at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/timeutil"
)

// State is a session lifecycle state.
type State string

const (
	// StateCreated is the initial state after entry, before any activity.
	StateCreated State = "created"
	// StateActive means detection activity has been attributed to the session.
	StateActive State = "active"
	// StateExiting means the customer reached the exit zone; the cart is
	// frozen and settlement is in progress.
	StateExiting State = "exiting"
	// StateCompleted is terminal: settlement produced a transaction.
	StateCompleted State = "completed"
	// StateTimedOut is terminal: the session expired from inactivity. It
	// still settles its cart contents.
	StateTimedOut State = "timed_out"
	// StateAborted is terminal: staff voided the session, no transaction.
	StateAborted State = "aborted"
)

// Live reports whether the state still holds a cart and blocks a new
// session for the same customer.
func (s State) Live() bool {
	switch s {
	case StateCreated, StateActive, StateExiting:
		return true
	}
	return false
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateAborted:
		return true
	}
	return false
}

var (
	// ErrSessionActive is returned by Create when the customer already has
	// a live session.
	ErrSessionActive = errors.New("customer already has a live session")
	// ErrNoSession is returned when the session ID or customer is unknown.
	ErrNoSession = errors.New("no such session")
	// ErrBadTransition is returned for a state change the lifecycle does
	// not permit.
	ErrBadTransition = errors.New("invalid session state transition")
)

// Session is one customer visit.
type Session struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// Manager owns all sessions and enforces the one-live-session-per-customer
// rule. All methods are safe for concurrent use.
type Manager struct {
	clock   timeutil.Clock
	carts   *cart.Store
	timeout time.Duration

	mu         sync.Mutex
	byID       map[string]*Session
	byCustomer map[string]string // customer -> live session ID
	settling   map[string]bool   // session IDs mid-settlement; Abort is blocked

	onTimeout func(sessionID string)
	onRelease func(customerID string)
}

// NewManager creates a Manager. timeout is the inactivity window after
// which a live session expires.
func NewManager(clock timeutil.Clock, carts *cart.Store, timeout time.Duration) *Manager {
	return &Manager{
		clock:      clock,
		carts:      carts,
		timeout:    timeout,
		byID:       make(map[string]*Session),
		byCustomer: make(map[string]string),
		settling:   make(map[string]bool),
	}
}

// SetTimeoutHandler registers the callback invoked with the session ID when
// the sweep expires a session. Must be called before Run.
func (m *Manager) SetTimeoutHandler(fn func(sessionID string)) {
	m.onTimeout = fn
}

// SetReleaseHandler registers the callback invoked with the customer ID
// whenever a session reaches a terminal state, so per-customer pipeline
// state (correlator lanes, debounce machines) can be torn down with it.
// Must be called before sessions are created.
func (m *Manager) SetReleaseHandler(fn func(customerID string)) {
	m.onRelease = fn
}

// Create opens a new session and cart for the customer. It fails with
// ErrSessionActive while a live session exists; the terminal states of the
// previous session free the customer for a new visit.
func (m *Manager) Create(customerID string) (Session, error) {
	if customerID == "" {
		return Session{}, errors.New("empty customer id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byCustomer[customerID]; ok {
		return Session{}, fmt.Errorf("%w: session %s", ErrSessionActive, id)
	}

	if err := m.carts.Create(customerID); err != nil {
		return Session{}, fmt.Errorf("failed to open cart: %w", err)
	}

	now := m.clock.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CustomerID:   customerID,
		State:        StateCreated,
		StartedAt:    now,
		LastActivity: now,
	}
	m.byID[s.ID] = s
	m.byCustomer[customerID] = s.ID
	return *s, nil
}

// Touch records detection activity for the customer's live session,
// transitioning Created to Active. Activity for a customer with no live
// session is ignored.
func (m *Manager) Touch(customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCustomer[customerID]
	if !ok {
		return
	}
	s := m.byID[id]
	if s.State == StateCreated {
		s.State = StateActive
	}
	s.LastActivity = m.clock.Now()
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	return *s, nil
}

// ForCustomer returns a copy of the customer's live session.
func (m *Manager) ForCustomer(customerID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCustomer[customerID]
	if !ok {
		return Session{}, fmt.Errorf("%w: no live session for customer %s", ErrNoSession, customerID)
	}
	return *m.byID[id], nil
}

// List returns copies of all sessions ordered by start time.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// MarkExiting transitions the session to Exiting when the customer reaches
// the exit zone. Marking an already-Exiting session is a no-op.
func (m *Manager) MarkExiting(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	switch s.State {
	case StateCreated, StateActive:
		s.State = StateExiting
		s.LastActivity = m.clock.Now()
		return nil
	case StateExiting:
		return nil
	default:
		return fmt.Errorf("%w: cannot exit from %s", ErrBadTransition, s.State)
	}
}

// Abort voids a live session: the cart is dropped and no transaction is
// produced. A session whose settlement is already in flight cannot be
// aborted; the settlement wins.
func (m *Manager) Abort(sessionID string) error {
	m.mu.Lock()

	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if m.settling[sessionID] {
		m.mu.Unlock()
		return fmt.Errorf("%w: settlement in progress for %s", ErrBadTransition, sessionID)
	}
	if !s.State.Live() {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot abort from %s", ErrBadTransition, s.State)
	}

	s.State = StateAborted
	s.EndedAt = m.clock.Now()
	customerID := s.CustomerID
	delete(m.byCustomer, customerID)
	m.carts.Remove(customerID)
	onRelease := m.onRelease
	m.mu.Unlock()

	if onRelease != nil {
		onRelease(customerID)
	}
	return nil
}

// beginSettle marks the session as mid-settlement, blocking Abort until the
// settlement commits or cancelSettle rolls the mark back. It returns a
// snapshot taken under the lock.
func (m *Manager) beginSettle(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	switch s.State {
	case StateExiting, StateTimedOut:
	default:
		return Session{}, fmt.Errorf("%w: cannot finalize from %s", ErrBadTransition, s.State)
	}
	m.settling[sessionID] = true
	return *s, nil
}

// cancelSettle clears the mid-settlement mark after a failed attempt so the
// session can be aborted or retried.
func (m *Manager) cancelSettle(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settling, sessionID)
}

// settle records the settlement outcome. Exiting sessions complete;
// timed-out sessions keep their state and gain the transaction reference.
func (m *Manager) settle(sessionID, transactionID string) error {
	m.mu.Lock()

	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	switch s.State {
	case StateExiting:
		s.State = StateCompleted
	case StateTimedOut:
		// keeps its state; the transaction reference marks it settled
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot settle from %s", ErrBadTransition, s.State)
	}
	s.TransactionID = transactionID
	s.EndedAt = m.clock.Now()
	customerID := s.CustomerID
	delete(m.byCustomer, customerID)
	delete(m.settling, sessionID)
	m.carts.Remove(customerID)
	onRelease := m.onRelease
	m.mu.Unlock()

	if onRelease != nil {
		onRelease(customerID)
	}
	return nil
}

// Sweep expires live sessions whose inactivity exceeds the timeout and
// reports how many expired. The registered timeout handler is invoked for
// each, outside the manager lock.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for _, s := range m.byID {
		// Exiting sessions are mid-settlement; the finalizer owns them.
		if s.State != StateCreated && s.State != StateActive {
			continue
		}
		if now.Sub(s.LastActivity) > m.timeout {
			s.State = StateTimedOut
			expired = append(expired, s.ID)
		}
	}
	onTimeout := m.onTimeout
	m.mu.Unlock()

	if onTimeout != nil {
		for _, id := range expired {
			onTimeout(id)
		}
	}
	return len(expired)
}

// Run sweeps for expired sessions on the given interval until the context
// is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Sweep()
		}
	}
}
