package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/vision"
)

type scriptedSource struct {
	cameraID string
	frames   chan Frame
	err      error
	closed   bool
}

func (s *scriptedSource) Grab(ctx context.Context) (Frame, error) {
	if s.err != nil {
		return Frame{}, s.err
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

type stubDetector struct {
	detections []vision.Detection
	err        error
}

func (d *stubDetector) Detect(ctx context.Context, frame Frame) ([]vision.Detection, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]vision.Detection, len(d.detections))
	copy(out, d.detections)
	for i := range out {
		out[i].CameraID = frame.CameraID
		out[i].FrameAt = frame.CapturedAt
	}
	return out, d.err
}

type stubIdentity struct {
	customerID string
}

func (r *stubIdentity) ResolveIdentity(ctx context.Context, frame Frame) (string, error) {
	return r.customerID, nil
}

func newTestWorker(source FrameSource, detector Detector, identity IdentityResolver, maxErrors int) *Worker {
	norm := vision.NewNormalizer("cam-1", vision.DefaultNormalizerConfig())
	return NewWorker("cam-1", source, detector, identity, norm, timeutil.RealClock{}, 4, maxErrors)
}

func TestWorker_EmitsAttributedBatches(t *testing.T) {
	source := &scriptedSource{cameraID: "cam-1", frames: make(chan Frame, 4)}
	detector := &stubDetector{detections: []vision.Detection{{
		Label:      "kitkat",
		Confidence: 0.8,
		Box:        vision.BoundingBox{X1: 0, Y1: 0, X2: 20, Y2: 20},
	}}}
	w := newTestWorker(source, detector, &stubIdentity{customerID: "cust-1"}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, time.Millisecond)

	source.frames <- Frame{CameraID: "cam-1", CapturedAt: time.Now()}

	select {
	case b := <-w.Batches():
		if b.CustomerID != "cust-1" {
			t.Errorf("CustomerID = %q, want cust-1", b.CustomerID)
		}
		if b.CameraID != "cam-1" {
			t.Errorf("CameraID = %q, want cam-1", b.CameraID)
		}
		if len(b.Tracked) != 1 || b.Tracked[0].Label != "kitkat" {
			t.Errorf("unexpected tracked detections: %+v", b.Tracked)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestWorker_SkipsUnresolvedCustomers(t *testing.T) {
	source := &scriptedSource{cameraID: "cam-1", frames: make(chan Frame, 4)}
	detector := &stubDetector{detections: []vision.Detection{{
		Label:      "kitkat",
		Confidence: 0.8,
		Box:        vision.BoundingBox{X1: 0, Y1: 0, X2: 20, Y2: 20},
	}}}
	w := newTestWorker(source, detector, &stubIdentity{customerID: ""}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, time.Millisecond)

	source.frames <- Frame{CameraID: "cam-1", CapturedAt: time.Now()}

	select {
	case b := <-w.Batches():
		t.Fatalf("expected no batch for unresolved customer, got %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorker_MarksCameraDownAfterConsecutiveErrors(t *testing.T) {
	source := &scriptedSource{cameraID: "cam-1", err: errors.New("capture device unplugged")}
	w := newTestWorker(source, &stubDetector{}, &stubIdentity{customerID: "cust-1"}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after down-marking", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after consecutive errors")
	}

	if got := w.State(); got != CameraDown {
		t.Errorf("State() = %q, want %q", got, CameraDown)
	}
	if !source.closed {
		t.Error("frame source was not closed")
	}
}

func TestWorker_PushDropsOldestWhenFull(t *testing.T) {
	w := newTestWorker(&scriptedSource{}, &stubDetector{}, &stubIdentity{}, 3)

	// Buffer size is 4; push 6 batches.
	for i := 0; i < 6; i++ {
		w.push(Batch{CustomerID: fmt.Sprintf("cust-%d", i)})
	}

	if got := w.DroppedFrames(); got != 2 {
		t.Errorf("DroppedFrames() = %d, want 2", got)
	}

	// Oldest two were dropped; remaining are cust-2..cust-5 in order.
	for i := 2; i < 6; i++ {
		b := <-w.Batches()
		if want := fmt.Sprintf("cust-%d", i); b.CustomerID != want {
			t.Errorf("batch %d CustomerID = %q, want %q", i, b.CustomerID, want)
		}
	}
}
