package scalemux

import (
	"go.bug.st/serial"
)

// NewRealScaleMux creates a ScaleMux instance backed by a real serial port
// at the given path using the provided options.
func NewRealScaleMux(path string, opts PortOptions) (*ScaleMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewScaleMux[serial.Port](port), nil
}
