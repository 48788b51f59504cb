package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/visionkarts/checkout/internal/ingest"
	"github.com/visionkarts/checkout/internal/monitoring"
)

// laneBuffer is the per-customer queue depth. Sustained overflow here means
// the sink (fusion + cart + store) cannot keep up with one customer's
// cameras; batches are dropped with a log line rather than stalling other
// customers.
const laneBuffer = 128

// Correlator routes normalized batches onto one ordered stream per customer
// and drives that customer's debounce machine from a single goroutine, so
// event-state transitions are never interleaved across threads. Batches from
// multiple cameras are merged in timestamp order within a small reorder
// window.
type Correlator struct {
	config  Config
	reorder time.Duration
	sink    func(ProductEvent)
	// activity is invoked for every processed batch so the session layer
	// can refresh its inactivity clock.
	activity func(customerID string, at time.Time)

	mu     sync.Mutex
	lanes  map[string]chan ingest.Batch
	closed bool
	wg     sync.WaitGroup
}

// New creates a Correlator. sink receives confirmed events; activity may be
// nil.
func New(config Config, reorder time.Duration, sink func(ProductEvent), activity func(customerID string, at time.Time)) *Correlator {
	return &Correlator{
		config:   config,
		reorder:  reorder,
		sink:     sink,
		activity: activity,
		lanes:    make(map[string]chan ingest.Batch),
	}
}

// Submit routes one batch to its customer's lane, creating the lane on first
// sight. Never blocks: a full lane drops the batch with a log line.
func (c *Correlator) Submit(b ingest.Batch) {
	if b.CustomerID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	lane, ok := c.lanes[b.CustomerID]
	if !ok {
		lane = make(chan ingest.Batch, laneBuffer)
		c.lanes[b.CustomerID] = lane
		c.wg.Add(1)
		go c.runLane(b.CustomerID, lane)
	}
	// The send stays under the lock: DropCustomer closes lanes after
	// removing them from the map, so a send outside it could hit a closed
	// channel. The send never blocks, so holding the lock here is safe.
	select {
	case lane <- b:
	default:
		monitoring.Logf("correlator: lane for customer %s full, dropping batch from %s", b.CustomerID, b.CameraID)
	}
	c.mu.Unlock()
}

// DropCustomer tears down a customer's lane after their session ends.
// Buffered batches are still processed before the lane goroutine exits.
func (c *Correlator) DropCustomer(customerID string) {
	c.mu.Lock()
	lane, ok := c.lanes[customerID]
	if ok {
		delete(c.lanes, customerID)
	}
	c.mu.Unlock()
	if ok {
		close(lane)
	}
}

// Close tears down all lanes and waits for them to drain.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	lanes := c.lanes
	c.lanes = make(map[string]chan ingest.Batch)
	c.mu.Unlock()

	for _, lane := range lanes {
		close(lane)
	}
	c.wg.Wait()
}

// LaneCount returns the number of live customer lanes.
func (c *Correlator) LaneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}

func (c *Correlator) runLane(customerID string, in chan ingest.Batch) {
	defer c.wg.Done()

	machine := NewMachine(customerID, c.config, c.sink)

	var pending []ingest.Batch
	var maxSeen time.Time

	process := func(b ingest.Batch) {
		machine.ProcessBatch(b)
		if c.activity != nil {
			c.activity(customerID, b.FrameAt)
		}
	}

	// flush runs pending batches in timestamp order, holding back anything
	// newer than the watermark so a late batch from a second camera can
	// still slot in ahead of it.
	flush := func(watermark time.Time, all bool) {
		sort.SliceStable(pending, func(i, j int) bool {
			return pending[i].FrameAt.Before(pending[j].FrameAt)
		})
		kept := pending[:0]
		for _, b := range pending {
			if all || !b.FrameAt.After(watermark) {
				process(b)
			} else {
				kept = append(kept, b)
			}
		}
		pending = kept
	}

	for b := range in {
		if b.FrameAt.After(maxSeen) {
			maxSeen = b.FrameAt
		}
		pending = append(pending, b)
		flush(maxSeen.Add(-c.reorder), false)
	}
	flush(time.Time{}, true)
}
