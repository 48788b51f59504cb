// Package vision defines the detection data model and the per-camera
// normalizer that turns raw per-frame detections into stable tracks.
package vision

import (
	"fmt"
	"time"
)

// BoundingBox is an axis-aligned region in frame coordinates.
// X1,Y1 is the top-left corner; X2,Y2 the bottom-right.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, or 0 for a degenerate box.
func (b BoundingBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU computes the intersection-over-union of two boxes.
func (b BoundingBox) IoU(other BoundingBox) float64 {
	ix1 := max(b.X1, other.X1)
	iy1 := max(b.Y1, other.Y1)
	ix2 := min(b.X2, other.X2)
	iy2 := min(b.Y2, other.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one labelled box from the detection collaborator for a single
// camera frame. Detections are ephemeral; they live for one normalization
// pass.
type Detection struct {
	CameraID   string      `json:"camera_id"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
	FrameAt    time.Time   `json:"frame_at"`
}

// Validate rejects malformed collaborator output at the ingestion boundary
// rather than letting it propagate into the pipeline.
func (d Detection) Validate() error {
	if d.CameraID == "" {
		return fmt.Errorf("detection missing camera_id")
	}
	if d.Label == "" {
		return fmt.Errorf("detection missing label")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detection confidence %f outside [0, 1]", d.Confidence)
	}
	if d.Box.X2 <= d.Box.X1 || d.Box.Y2 <= d.Box.Y1 {
		return fmt.Errorf("detection has inverted or empty bounding box %+v", d.Box)
	}
	if d.FrameAt.IsZero() {
		return fmt.Errorf("detection missing frame timestamp")
	}
	return nil
}

// TrackedDetection is a Detection carrying a track identity that persists
// across consecutive frames while spatial continuity holds.
type TrackedDetection struct {
	TrackID string `json:"track_id"`
	Detection
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    int       `json:"frames"`
}
