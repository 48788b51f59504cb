package correlate

import (
	"time"

	"github.com/google/uuid"

	"github.com/visionkarts/checkout/internal/ingest"
	"github.com/visionkarts/checkout/internal/monitoring"
)

// phase is the per-(customer, product) correlation state.
type phase int

const (
	phaseAbsent phase = iota
	phaseCandidatePick
	phaseConfirmedPick
	phaseCandidateReturn
)

func (p phase) String() string {
	switch p {
	case phaseAbsent:
		return "absent"
	case phaseCandidatePick:
		return "candidate_pick"
	case phaseConfirmedPick:
		return "confirmed_pick"
	case phaseCandidateReturn:
		return "candidate_return"
	}
	return "unknown"
}

// Config holds the correlator's debounce parameters.
type Config struct {
	// PickConfidence gates entry into CandidatePick.
	PickConfidence float64
	// DebounceFrames is the number of consecutive sightings (or misses)
	// required to confirm a pick (or a return).
	DebounceFrames int
	// MaxSightingGap bounds the spacing between two sightings that still
	// count as consecutive. A longer gap resets the candidate counter.
	MaxSightingGap time.Duration
}

// DefaultConfig returns the correlator defaults.
func DefaultConfig() Config {
	return Config{
		PickConfidence: 0.6,
		DebounceFrames: 3,
		MaxSightingGap: 1500 * time.Millisecond,
	}
}

// productState tracks one (customer, product) pair through the debounce
// machine. cameraID is the camera that last sighted the product: only that
// camera's batches count as misses, so a second camera that never sees the
// product cannot trigger a phantom return.
type productState struct {
	phase       phase
	seenFrames  int
	missFrames  int
	candidateAt time.Time
	lastSeen    time.Time
	confidence  float64
	cameraID    string
}

// Machine applies the per-product debounce state machine for one customer.
// It must only be driven from a single goroutine (the customer's lane).
type Machine struct {
	customerID string
	config     Config
	states     map[string]*productState
	emit       func(ProductEvent)
}

// NewMachine creates a correlation machine for one customer. emit is called
// synchronously at the moment an event is confirmed.
func NewMachine(customerID string, config Config, emit func(ProductEvent)) *Machine {
	return &Machine{
		customerID: customerID,
		config:     config,
		states:     make(map[string]*productState),
		emit:       emit,
	}
}

// ProcessBatch advances every product state with one frame's worth of
// tracked detections. Batches must arrive in timestamp order.
func (m *Machine) ProcessBatch(b ingest.Batch) {
	// Presence of a label in this frame, keeping the best confidence when a
	// camera reports multiple tracks of the same product.
	present := make(map[string]float64)
	for _, td := range b.Tracked {
		if c, ok := present[td.Label]; !ok || td.Confidence > c {
			present[td.Label] = td.Confidence
		}
	}

	for label, conf := range present {
		st, ok := m.states[label]
		if !ok {
			st = &productState{}
			m.states[label] = st
		}
		m.sighted(label, st, conf, b)
	}

	for label, st := range m.states {
		if _, ok := present[label]; ok {
			continue
		}
		m.missed(label, st, b)
	}
}

func (m *Machine) sighted(label string, st *productState, conf float64, b ingest.Batch) {
	// A long gap breaks consecutiveness: restart candidacy rather than
	// stitching two separate appearances together.
	gapBroken := !st.lastSeen.IsZero() && b.FrameAt.Sub(st.lastSeen) > m.config.MaxSightingGap

	switch st.phase {
	case phaseAbsent:
		if conf < m.config.PickConfidence {
			return
		}
		st.phase = phaseCandidatePick
		st.seenFrames = 1
		st.candidateAt = b.FrameAt
		st.confidence = conf

	case phaseCandidatePick:
		if gapBroken {
			st.seenFrames = 1
			st.candidateAt = b.FrameAt
			st.confidence = conf
			break
		}
		st.seenFrames++
		if conf > st.confidence {
			st.confidence = conf
		}
		if st.seenFrames >= m.config.DebounceFrames {
			st.phase = phaseConfirmedPick
			m.commit(label, st, Pick, b)
		}

	case phaseConfirmedPick:
		if conf > st.confidence {
			st.confidence = conf
		}

	case phaseCandidateReturn:
		// Reappeared before the return debounce elapsed: transient
		// occlusion, not a real return. No event.
		st.phase = phaseConfirmedPick
		st.missFrames = 0
	}

	st.lastSeen = b.FrameAt
	st.cameraID = b.CameraID
}

func (m *Machine) missed(label string, st *productState, b ingest.Batch) {
	// Only the owning camera's view counts as absence; another camera that
	// simply cannot see the shelf must not fabricate a return.
	if st.cameraID != "" && st.cameraID != b.CameraID {
		return
	}

	switch st.phase {
	case phaseCandidatePick:
		// Disappeared before confirmation: single-frame false positive.
		st.phase = phaseAbsent
		st.seenFrames = 0

	case phaseConfirmedPick:
		st.phase = phaseCandidateReturn
		st.missFrames = 1
		st.candidateAt = b.FrameAt

	case phaseCandidateReturn:
		st.missFrames++
		if st.missFrames >= m.config.DebounceFrames {
			st.phase = phaseAbsent
			st.seenFrames = 0
			st.missFrames = 0
			m.commit(label, st, Return, b)
		}
	}
}

func (m *Machine) commit(label string, st *productState, kind EventKind, b ingest.Batch) {
	ev := ProductEvent{
		EventID:     uuid.NewString(),
		CustomerID:  m.customerID,
		Label:       label,
		Kind:        kind,
		Confidence:  st.confidence,
		CameraID:    b.CameraID,
		CommittedAt: b.FrameAt,
	}
	monitoring.Logf("correlator: %s %s for customer %s (confidence %.2f)", kind, label, m.customerID, st.confidence)
	m.emit(ev)
}

// Phase reports the current phase for a product label, for tests and debug
// surfaces.
func (m *Machine) Phase(label string) string {
	st, ok := m.states[label]
	if !ok {
		return phaseAbsent.String()
	}
	return st.phase.String()
}
