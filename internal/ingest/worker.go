package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visionkarts/checkout/internal/monitoring"
	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/vision"
)

// CameraState reports whether a camera worker is still producing batches.
type CameraState string

const (
	CameraUp   CameraState = "up"
	CameraDown CameraState = "down"
)

// Worker pulls frames from one camera at a fixed interval, runs the
// detection and identity collaborators, normalizes the result, and pushes
// batches into a bounded buffer. When the buffer is full the oldest batch is
// dropped so a slow consumer can never block capture.
type Worker struct {
	CameraID string

	source     FrameSource
	detector   Detector
	identity   IdentityResolver
	normalizer *vision.Normalizer
	clock      timeutil.Clock

	maxErrors int

	out     chan Batch
	dropped atomic.Int64

	state   CameraState
	stateMu sync.Mutex
}

// NewWorker creates a camera worker. bufferSize bounds the batch buffer;
// maxErrors is the number of consecutive frame-acquisition failures before
// the camera is marked down.
func NewWorker(cameraID string, source FrameSource, detector Detector, identity IdentityResolver, normalizer *vision.Normalizer, clock timeutil.Clock, bufferSize, maxErrors int) *Worker {
	return &Worker{
		CameraID:   cameraID,
		source:     source,
		detector:   detector,
		identity:   identity,
		normalizer: normalizer,
		clock:      clock,
		maxErrors:  maxErrors,
		out:        make(chan Batch, bufferSize),
		state:      CameraUp,
	}
}

// Batches returns the worker's output channel. Closed when Run returns.
func (w *Worker) Batches() <-chan Batch { return w.out }

// DroppedFrames returns the number of batches discarded because the buffer
// was full. Dropped frames are tolerated: debounce logic downstream is
// time-window based, not frame-index-exact.
func (w *Worker) DroppedFrames() int64 { return w.dropped.Load() }

// State reports whether the camera is up or marked down.
func (w *Worker) State() CameraState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

func (w *Worker) markDown() {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state != CameraDown {
		w.state = CameraDown
		monitoring.Logf("camera %s marked down", w.CameraID)
	}
}

// Run drives the capture loop until the context is cancelled or the camera
// goes down. A down camera stops emitting but never fails other cameras.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	defer close(w.out)
	defer w.source.Close()

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		frame, err := w.source.Grab(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			consecutiveErrors++
			monitoring.Logf("camera %s: frame acquisition failed (%d consecutive): %v", w.CameraID, consecutiveErrors, err)
			if consecutiveErrors >= w.maxErrors {
				w.markDown()
				return nil
			}
			continue
		}
		consecutiveErrors = 0

		// Collaborators run outside any lock; both may be slow.
		detections, err := w.detector.Detect(ctx, frame)
		if err != nil {
			monitoring.Logf("camera %s: detection failed: %v", w.CameraID, err)
			continue
		}

		customerID, err := w.identity.ResolveIdentity(ctx, frame)
		if err != nil {
			monitoring.Logf("camera %s: identity resolution failed: %v", w.CameraID, err)
			continue
		}

		tracked := w.normalizer.Observe(detections, frame.CapturedAt)
		if customerID == "" {
			// Tracks still advance so continuity holds, but a batch with no
			// customer has nowhere to go.
			continue
		}

		w.push(Batch{
			CameraID:   w.CameraID,
			CustomerID: customerID,
			Tracked:    tracked,
			FrameAt:    frame.CapturedAt,
		})
	}
}

// push enqueues a batch, dropping the oldest buffered batch when full.
func (w *Worker) push(b Batch) {
	for {
		select {
		case w.out <- b:
			return
		default:
		}
		select {
		case <-w.out:
			w.dropped.Add(1)
		default:
		}
	}
}
