package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/visionkarts/checkout/internal/timeutil"
	"github.com/visionkarts/checkout/internal/vision"
)

// ErrScriptDone is returned by ScriptPlayer.Grab once the script is
// exhausted. The worker treats it like any acquisition failure and marks
// the simulated camera down after its error allowance.
var ErrScriptDone = errors.New("script exhausted")

// ScriptFrame is one scripted camera frame: a customer in view and the
// products visible in that frame.
type ScriptFrame struct {
	CameraID   string
	CustomerID string
	Detections []vision.Detection
}

// ParseScript reads a detection script. Each line is either blank, a
// comment starting with '#', or:
//
//	frame <camera> <customer> [<label>@<confidence> ...]
//
// A frame with no labels is an empty sighting (the customer is in view but
// holds nothing the camera can see). Frames are returned grouped by camera
// in script order.
func ParseScript(r io.Reader) (map[string][]ScriptFrame, error) {
	frames := make(map[string][]ScriptFrame)
	scan := bufio.NewScanner(r)
	lineNo := 0
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] != "frame" {
			return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, fields[0])
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want 'frame <camera> <customer> ...'", lineNo)
		}

		frame := ScriptFrame{CameraID: fields[1], CustomerID: fields[2]}
		for _, spec := range fields[3:] {
			label, confStr, ok := strings.Cut(spec, "@")
			if !ok || label == "" {
				return nil, fmt.Errorf("line %d: bad detection %q, want <label>@<confidence>", lineNo, spec)
			}
			conf, err := strconv.ParseFloat(confStr, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad confidence in %q: %v", lineNo, spec, err)
			}
			frame.Detections = append(frame.Detections, vision.Detection{
				CameraID:   frame.CameraID,
				Label:      label,
				Confidence: conf,
				Box:        boxForLabel(label),
			})
		}
		frames[frame.CameraID] = append(frames[frame.CameraID], frame)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// boxForLabel synthesizes a stable bounding box per label so that the same
// product overlaps itself across scripted frames.
func boxForLabel(label string) vision.BoundingBox {
	h := fnv.New32a()
	h.Write([]byte(label))
	slot := float64(h.Sum32() % 8)
	return vision.BoundingBox{
		X1: slot * 60,
		Y1: slot * 40,
		X2: slot*60 + 50,
		Y2: slot*40 + 50,
	}
}

// ScriptPlayer replays scripted frames for one camera. It implements
// FrameSource, Detector and IdentityResolver so a single player can stand
// in for the whole collaborator set of a real camera.
type ScriptPlayer struct {
	cameraID string
	clock    timeutil.Clock

	mu      sync.Mutex
	frames  []ScriptFrame
	idx     int
	current ScriptFrame
	closed  bool
}

// NewScriptPlayer creates a player for the given camera's frames.
func NewScriptPlayer(cameraID string, frames []ScriptFrame, clock timeutil.Clock) *ScriptPlayer {
	return &ScriptPlayer{cameraID: cameraID, clock: clock, frames: frames}
}

// Grab advances to the next scripted frame. Timestamps come from the
// clock, so a mock clock yields fully deterministic replays.
func (p *ScriptPlayer) Grab(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Frame{}, errors.New("script player closed")
	}
	if p.idx >= len(p.frames) {
		return Frame{}, ErrScriptDone
	}
	p.current = p.frames[p.idx]
	p.idx++
	return Frame{CameraID: p.cameraID, CapturedAt: p.clock.Now()}, nil
}

// Detect returns the detections of the most recently grabbed frame,
// stamped with the frame time.
func (p *ScriptPlayer) Detect(_ context.Context, frame Frame) ([]vision.Detection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]vision.Detection, len(p.current.Detections))
	for i, d := range p.current.Detections {
		d.FrameAt = frame.CapturedAt
		out[i] = d
	}
	return out, nil
}

// ResolveIdentity returns the scripted customer for the current frame.
func (p *ScriptPlayer) ResolveIdentity(_ context.Context, _ Frame) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.CustomerID, nil
}

// Close stops the player.
func (p *ScriptPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
