// Package correlate converts normalized per-customer detection batches into
// discrete, debounced Pick/Return product events.
package correlate

import "time"

// EventKind distinguishes a pick from a return.
type EventKind string

const (
	Pick   EventKind = "pick"
	Return EventKind = "return"
)

// Verification records how the fusion layer judged an event.
type Verification string

const (
	// Verified means sensor evidence agreed, or no sensor covers the zone.
	Verified Verification = "verified"
	// Unverified means sensor evidence disagreed; the event still commits
	// and is surfaced for audit.
	Unverified Verification = "unverified"
	// Rejected means the cart refused the event (e.g. underflow); recorded
	// for audit, the cart is unchanged.
	Rejected Verification = "rejected"
)

// ProductEvent is one committed pick or return. Immutable once committed,
// append-only history per customer.
type ProductEvent struct {
	EventID      string       `json:"event_id"`
	CustomerID   string       `json:"customer_id"`
	Label        string       `json:"label"`
	Kind         EventKind    `json:"kind"`
	Confidence   float64      `json:"confidence"`
	CameraID     string       `json:"camera_id"`
	CommittedAt  time.Time    `json:"committed_at"`
	Verification Verification `json:"verification"`
}
