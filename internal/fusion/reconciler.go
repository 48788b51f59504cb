// Package fusion cross-checks pending product events against physical
// sensor evidence. Sensors corroborate or dispute an event but never veto
// it: hardware absence and miscalibration are expected in real deployments,
// so vision remains the source of truth.
package fusion

import (
	"sync"
	"time"

	"github.com/visionkarts/checkout/internal/correlate"
	"github.com/visionkarts/checkout/internal/monitoring"
)

// maxReadingsPerSensor bounds the per-sensor reading history.
const maxReadingsPerSensor = 64

// SensorReading is one signed weight delta reported by a shelf scale.
type SensorReading struct {
	SensorID    string    `json:"sensor_id"`
	DeltaWeight float64   `json:"delta_weight"` // kg; negative = removal
	ReadAt      time.Time `json:"read_at"`
}

// Reconciler holds the camera-zone to sensor mapping and recent readings,
// and stamps each pending event with a verification verdict.
type Reconciler struct {
	tolerance time.Duration
	minDelta  float64

	mu       sync.Mutex
	zones    map[string][]string        // camera -> sensors covering its shelf zone
	readings map[string][]SensorReading // sensor -> recent readings, oldest first
}

// NewReconciler creates a Reconciler. tolerance bounds how far a reading may
// sit from the event's commit time and still count; deltas smaller than
// minDelta (kg) are treated as scale noise.
func NewReconciler(tolerance time.Duration, minDelta float64) *Reconciler {
	return &Reconciler{
		tolerance: tolerance,
		minDelta:  minDelta,
		zones:     make(map[string][]string),
		readings:  make(map[string][]SensorReading),
	}
}

// MapZone registers the sensors covering a camera's shelf zone. A camera
// with no mapping is a valid configuration: its events verify by default.
func (r *Reconciler) MapZone(cameraID string, sensorIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[cameraID] = append(r.zones[cameraID], sensorIDs...)
}

// Record stores a sensor reading for later reconciliation.
func (r *Reconciler) Record(reading SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := append(r.readings[reading.SensorID], reading)
	if len(window) > maxReadingsPerSensor {
		window = window[len(window)-maxReadingsPerSensor:]
	}
	r.readings[reading.SensorID] = window
}

// Reconcile stamps a pending event's Verification. The event always
// commits; disagreement only downgrades it to Unverified and surfaces it
// for audit.
func (r *Reconciler) Reconcile(ev correlate.ProductEvent) correlate.ProductEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	sensors := r.zones[ev.CameraID]
	if len(sensors) == 0 {
		ev.Verification = correlate.Verified
		return ev
	}

	for _, sensorID := range sensors {
		for _, reading := range r.readings[sensorID] {
			if !withinTolerance(reading.ReadAt, ev.CommittedAt, r.tolerance) {
				continue
			}
			if reading.DeltaWeight < -r.minDelta && ev.Kind == correlate.Pick {
				ev.Verification = correlate.Verified
				return ev
			}
			if reading.DeltaWeight > r.minDelta && ev.Kind == correlate.Return {
				ev.Verification = correlate.Verified
				return ev
			}
		}
	}

	// Sensor coverage exists but nothing corroborated the event in the
	// window. Commit anyway, marked for audit.
	monitoring.Logf("fusion: %s %s for customer %s unverified by zone sensors %v",
		ev.Kind, ev.Label, ev.CustomerID, sensors)
	ev.Verification = correlate.Unverified
	return ev
}

func withinTolerance(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
