package scalemux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/visionkarts/checkout/internal/fusion"
)

// ParseReading parses one controller line of the form
//
//	<sensor_id>,<delta_kg>,<unix_millis>
//
// Controllers interleave acknowledgement lines (e.g. "OK TARE") with
// readings; callers should skip lines that fail to parse rather than treat
// them as stream errors.
func ParseReading(line string) (fusion.SensorReading, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return fusion.SensorReading{}, fmt.Errorf("malformed reading line %q: want 3 fields, got %d", line, len(parts))
	}

	sensorID := strings.TrimSpace(parts[0])
	if sensorID == "" {
		return fusion.SensorReading{}, fmt.Errorf("malformed reading line %q: empty sensor id", line)
	}

	delta, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return fusion.SensorReading{}, fmt.Errorf("malformed delta in line %q: %w", line, err)
	}

	millis, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return fusion.SensorReading{}, fmt.Errorf("malformed timestamp in line %q: %w", line, err)
	}

	return fusion.SensorReading{
		SensorID:    sensorID,
		DeltaWeight: delta,
		ReadAt:      time.UnixMilli(millis).UTC(),
	}, nil
}
