package vision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/visionkarts/checkout/internal/monitoring"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackOpen   TrackState = "open"   // Track is matched or within the miss allowance
	TrackClosed TrackState = "closed" // Track has exceeded its miss allowance; terminal
)

// NormalizerConfig holds configuration parameters for the normalizer.
type NormalizerConfig struct {
	IoUThreshold     float64 // Minimum IoU for a detection to extend a track
	MaxMissedFrames  int     // Consecutive missed frames before a track closes
	ConfidenceWindow int     // Rolling window of confidence samples per track
	MaxTracks        int     // Maximum concurrent open tracks per camera
}

// DefaultNormalizerConfig returns default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		IoUThreshold:     0.3,
		MaxMissedFrames:  3,
		ConfidenceWindow: 5,
		MaxTracks:        64,
	}
}

// Track is the internal per-object state held while spatial continuity lasts.
type Track struct {
	TrackID  string
	CameraID string
	Label    string
	State    TrackState

	Box        BoundingBox
	Confidence float64 // max over the rolling window

	Misses    int
	Frames    int
	FirstSeen time.Time
	LastSeen  time.Time

	confWindow []float64
}

// QualityP95 returns the 95th percentile of the track's recent confidence
// samples. Used by the audit surface to distinguish flickery tracks from
// solid ones.
func (t *Track) QualityP95() float64 {
	if len(t.confWindow) == 0 {
		return 0
	}
	sorted := make([]float64, len(t.confWindow))
	copy(sorted, t.confWindow)
	sort.Float64s(sorted)
	return stat.Quantile(0.95, stat.Empirical, sorted, nil)
}

// Normalizer deduplicates overlapping detections from a single camera and
// assigns stable track identities across consecutive frames via IoU
// continuity. One Normalizer per camera; closing a track is terminal and a
// reappearing object gets a fresh track identity.
type Normalizer struct {
	cameraID string
	config   NormalizerConfig
	tracks   map[string]*Track
	nextID   int64
	rejected int64
	mu       sync.Mutex
}

// NewNormalizer creates a normalizer for one camera.
func NewNormalizer(cameraID string, config NormalizerConfig) *Normalizer {
	return &Normalizer{
		cameraID: cameraID,
		config:   config,
		tracks:   make(map[string]*Track),
		nextID:   1,
	}
}

// Observe processes one frame worth of raw detections and returns the
// tracked detections currently open on this camera. Malformed detections are
// counted and dropped, never propagated.
func (n *Normalizer) Observe(detections []Detection, frameAt time.Time) []TrackedDetection {
	n.mu.Lock()
	defer n.mu.Unlock()

	valid := detections[:0:0]
	for _, d := range detections {
		if err := d.Validate(); err != nil {
			n.rejected++
			monitoring.Logf("camera %s: rejected detection: %v", n.cameraID, err)
			continue
		}
		valid = append(valid, d)
	}

	// Greedy best-IoU association: each detection extends at most one open
	// track with the same label, each track is extended at most once per
	// frame.
	matched := make(map[string]bool)
	var unassigned []Detection
	for _, d := range valid {
		bestID := ""
		bestIoU := n.config.IoUThreshold
		for id, tr := range n.tracks {
			if matched[id] || tr.State != TrackOpen || tr.Label != d.Label {
				continue
			}
			if iou := tr.Box.IoU(d.Box); iou >= bestIoU {
				bestIoU = iou
				bestID = id
			}
		}
		if bestID == "" {
			unassigned = append(unassigned, d)
			continue
		}
		matched[bestID] = true
		n.extend(n.tracks[bestID], d, frameAt)
	}

	// Unmatched open tracks accrue misses; past the allowance the track
	// closes terminally.
	for id, tr := range n.tracks {
		if matched[id] || tr.State != TrackOpen {
			continue
		}
		tr.Misses++
		if tr.Misses > n.config.MaxMissedFrames {
			tr.State = TrackClosed
		}
	}

	// Unassigned detections start new tracks.
	for _, d := range unassigned {
		if n.openCount() >= n.config.MaxTracks {
			monitoring.Logf("camera %s: track limit reached, dropping detection for %q", n.cameraID, d.Label)
			continue
		}
		n.startTrack(d, frameAt)
	}

	// Closed tracks are removed once reported; their IDs are never reused.
	out := make([]TrackedDetection, 0, len(n.tracks))
	for id, tr := range n.tracks {
		if tr.State == TrackClosed {
			delete(n.tracks, id)
			continue
		}
		out = append(out, TrackedDetection{
			TrackID: tr.TrackID,
			Detection: Detection{
				CameraID:   tr.CameraID,
				Label:      tr.Label,
				Confidence: tr.Confidence,
				Box:        tr.Box,
				FrameAt:    frameAt,
			},
			FirstSeen: tr.FirstSeen,
			LastSeen:  tr.LastSeen,
			Frames:    tr.Frames,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

func (n *Normalizer) extend(tr *Track, d Detection, frameAt time.Time) {
	tr.Box = d.Box
	tr.Misses = 0
	tr.Frames++
	tr.LastSeen = frameAt

	tr.confWindow = append(tr.confWindow, d.Confidence)
	if len(tr.confWindow) > n.config.ConfidenceWindow {
		tr.confWindow = tr.confWindow[1:]
	}
	tr.Confidence = 0
	for _, c := range tr.confWindow {
		if c > tr.Confidence {
			tr.Confidence = c
		}
	}
}

func (n *Normalizer) startTrack(d Detection, frameAt time.Time) *Track {
	id := fmt.Sprintf("%s/track_%d", n.cameraID, n.nextID)
	n.nextID++

	tr := &Track{
		TrackID:    id,
		CameraID:   n.cameraID,
		Label:      d.Label,
		State:      TrackOpen,
		Box:        d.Box,
		Confidence: d.Confidence,
		Frames:     1,
		FirstSeen:  frameAt,
		LastSeen:   frameAt,
		confWindow: []float64{d.Confidence},
	}
	n.tracks[id] = tr
	return tr
}

func (n *Normalizer) openCount() int {
	count := 0
	for _, tr := range n.tracks {
		if tr.State == TrackOpen {
			count++
		}
	}
	return count
}

// OpenTracks returns copies of the currently open tracks. Copies, because
// Observe keeps mutating the live ones after the lock is released.
func (n *Normalizer) OpenTracks() []Track {
	n.mu.Lock()
	defer n.mu.Unlock()

	open := make([]Track, 0, len(n.tracks))
	for _, tr := range n.tracks {
		if tr.State == TrackOpen {
			cp := *tr
			cp.confWindow = append([]float64(nil), tr.confWindow...)
			open = append(open, cp)
		}
	}
	return open
}

// RejectedCount returns the number of malformed detections dropped at the
// ingestion boundary.
func (n *Normalizer) RejectedCount() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rejected
}
