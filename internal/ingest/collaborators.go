// Package ingest runs one worker per camera: it pulls frames from the
// capture source, invokes the detection and identity collaborators, and
// feeds normalized batches downstream through a bounded buffer.
package ingest

import (
	"context"
	"time"

	"github.com/visionkarts/checkout/internal/vision"
)

// Frame is one captured camera frame. The pixel payload is opaque to the
// pipeline; only the collaborators look inside it.
type Frame struct {
	CameraID   string
	Pixels     []byte
	CapturedAt time.Time
}

// FrameSource acquires frames from a camera. Grab may block on the capture
// hardware; workers call it under their own goroutine only.
type FrameSource interface {
	Grab(ctx context.Context) (Frame, error)
	Close() error
}

// Detector is the external object-detection collaborator. It is treated as a
// pure, possibly-slow function and is never called under a pipeline lock.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]vision.Detection, error)
}

// IdentityResolver maps a frame to the customer present in it, or "" when no
// customer can be resolved.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, frame Frame) (string, error)
}

// Batch is one normalized frame worth of tracked detections attributed to a
// customer, ready for correlation.
type Batch struct {
	CameraID   string
	CustomerID string
	Tracked    []vision.TrackedDetection
	FrameAt    time.Time
}
