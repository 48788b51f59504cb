package scalemux

import (
	"io"
	"time"
)

// ScalePorter is the minimal interface needed for a scale controller port.
// The abstraction lets the mux run against mock hardware in tests.
type ScalePorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutScalePorter extends ScalePorter with a read timeout. Real serial
// ports implement it; mocks may.
type TimeoutScalePorter interface {
	ScalePorter
	SetReadTimeout(timeout time.Duration) error
}
