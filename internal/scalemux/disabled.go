package scalemux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledScaleMux is a no-op ScaleMux implementation used when the store
// has no shelf scales (for --disable-scales). It allows the server and
// admin routes to run without real hardware. Subscribers are tracked so
// their channels can be deterministically closed on Unsubscribe() or
// Close(), letting readers unblock predictably during shutdown.
type DisabledScaleMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledScaleMux() *DisabledScaleMux {
	return &DisabledScaleMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledScaleMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	d.mu.Lock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		d.mu.Unlock()
		return id, ch
	}
	d.subscribers[id] = ch
	d.mu.Unlock()
	return id, ch
}

func (d *DisabledScaleMux) Unsubscribe(id string) {
	d.mu.Lock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
}

func (d *DisabledScaleMux) SendCommand(string) error { return nil }

func (d *DisabledScaleMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledScaleMux) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	d.mu.Unlock()
	return nil
}

func (d *DisabledScaleMux) Initialize() error { return nil }

func (d *DisabledScaleMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/scales-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scales disabled"))
	})
}
