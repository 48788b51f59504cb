package correlate

import (
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []ProductEvent
}

func (r *eventRecorder) sink(ev ProductEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []ProductEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProductEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestCorrelator_PerCustomerLanes(t *testing.T) {
	rec := &eventRecorder{}
	c := New(DefaultConfig(), 250*time.Millisecond, rec.sink, nil)
	start := time.Now()

	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * 200 * time.Millisecond)
		c.Submit(batch("cam-1", "alice", at, map[string]float64{"kitkat": 0.8}))
		c.Submit(batch("cam-2", "bob", at, map[string]float64{"twix": 0.9}))
	}
	if got := c.LaneCount(); got != 2 {
		t.Errorf("LaneCount() = %d, want 2", got)
	}
	c.Close()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected one pick per customer, got %d events", len(events))
	}
	byCustomer := map[string]string{}
	for _, ev := range events {
		byCustomer[ev.CustomerID] = ev.Label
	}
	if byCustomer["alice"] != "kitkat" || byCustomer["bob"] != "twix" {
		t.Errorf("unexpected per-customer events: %v", byCustomer)
	}
}

func TestCorrelator_ReordersLateCameraBatches(t *testing.T) {
	rec := &eventRecorder{}
	c := New(DefaultConfig(), 500*time.Millisecond, rec.sink, nil)
	start := time.Now()

	// cam-2's batch arrives after cam-1's later frames but carries an
	// earlier timestamp; reordering must slot it in so the pick is
	// confirmed on a gapless run.
	c.Submit(batch("cam-1", "alice", start, map[string]float64{"kitkat": 0.7}))
	c.Submit(batch("cam-1", "alice", start.Add(400*time.Millisecond), map[string]float64{"kitkat": 0.8}))
	c.Submit(batch("cam-2", "alice", start.Add(200*time.Millisecond), map[string]float64{"kitkat": 0.75}))
	c.Close()

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 pick, got %d events", len(events))
	}
	if events[0].Kind != Pick || events[0].Label != "kitkat" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestCorrelator_ActivityCallback(t *testing.T) {
	var mu sync.Mutex
	touched := map[string]int{}
	activity := func(customerID string, at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		touched[customerID]++
	}

	rec := &eventRecorder{}
	c := New(DefaultConfig(), 0, rec.sink, activity)
	start := time.Now()

	c.Submit(batch("cam-1", "alice", start, map[string]float64{"kitkat": 0.8}))
	c.Submit(batch("cam-1", "alice", start.Add(200*time.Millisecond), nil))
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if touched["alice"] != 2 {
		t.Errorf("activity touches = %d, want 2", touched["alice"])
	}
}

func TestCorrelator_DropCustomerDrainsLane(t *testing.T) {
	rec := &eventRecorder{}
	c := New(DefaultConfig(), 0, rec.sink, nil)
	start := time.Now()

	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * 200 * time.Millisecond)
		c.Submit(batch("cam-1", "alice", at, map[string]float64{"kitkat": 0.8}))
	}
	c.DropCustomer("alice")
	c.Close()

	if got := len(rec.all()); got != 1 {
		t.Errorf("expected buffered batches drained into 1 pick, got %d events", got)
	}
	if got := c.LaneCount(); got != 0 {
		t.Errorf("LaneCount() = %d, want 0", got)
	}
}

func TestCorrelator_DropCustomerResetsDebounceState(t *testing.T) {
	rec := &eventRecorder{}
	c := New(DefaultConfig(), 0, rec.sink, nil)
	start := time.Now()

	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * 200 * time.Millisecond)
		c.Submit(batch("cam-1", "alice", at, map[string]float64{"kitkat": 0.8}))
	}
	c.DropCustomer("alice")

	// A fresh visit picks the same product again: the new lane starts with
	// a clean machine, so the pick confirms a second time.
	for i := 0; i < 3; i++ {
		at := start.Add(10*time.Second + time.Duration(i)*200*time.Millisecond)
		c.Submit(batch("cam-1", "alice", at, map[string]float64{"kitkat": 0.8}))
	}
	c.Close()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected one pick per visit, got %d events", len(events))
	}
	for _, ev := range events {
		if ev.Kind != Pick || ev.Label != "kitkat" {
			t.Errorf("unexpected event: %+v", ev)
		}
	}
}

func TestCorrelator_ConcurrentSubmitAndDrop(t *testing.T) {
	c := New(DefaultConfig(), 0, func(ProductEvent) {}, nil)
	start := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				at := start.Add(time.Duration(g*500+i) * time.Millisecond)
				c.Submit(batch("cam-1", "alice", at, map[string]float64{"kitkat": 0.8}))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.DropCustomer("alice")
		}
	}()
	wg.Wait()
	c.Close()
}

func TestCorrelator_SubmitAfterCloseIsNoop(t *testing.T) {
	rec := &eventRecorder{}
	c := New(DefaultConfig(), 0, rec.sink, nil)
	c.Close()
	c.Submit(batch("cam-1", "alice", time.Now(), map[string]float64{"kitkat": 0.8}))
	if got := c.LaneCount(); got != 0 {
		t.Errorf("LaneCount() = %d, want 0 after close", got)
	}
}
