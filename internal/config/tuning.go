package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for pipeline tuning
// parameters. The schema matches the /api/config endpoint so the same JSON
// can be used for both startup configuration and runtime inspection.
type TuningConfig struct {
	// Normalizer params
	IoUThreshold     *float64 `json:"iou_threshold,omitempty"`
	MaxMissedFrames  *int     `json:"max_missed_frames,omitempty"`
	ConfidenceWindow *int     `json:"confidence_window,omitempty"`

	// Ingest params
	FrameInterval        *string `json:"frame_interval,omitempty"` // duration string like "200ms"
	FrameBuffer          *int    `json:"frame_buffer,omitempty"`
	MaxConsecutiveErrors *int    `json:"max_consecutive_errors,omitempty"`

	// Correlator params
	PickConfidence *float64 `json:"pick_confidence,omitempty"`
	DebounceFrames *int     `json:"debounce_frames,omitempty"`
	DebounceWindow *string  `json:"debounce_window,omitempty"` // duration string like "1500ms"
	ReorderWindow  *string  `json:"reorder_window,omitempty"`

	// Fusion params
	SensorTolerance *string  `json:"sensor_tolerance,omitempty"`
	MinSensorDelta  *float64 `json:"min_sensor_delta,omitempty"` // kg

	// Session params
	InactivityTimeout *string `json:"inactivity_timeout,omitempty"`
	SweepInterval     *string `json:"sweep_interval,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.IoUThreshold != nil {
		if *c.IoUThreshold <= 0 || *c.IoUThreshold > 1 {
			return fmt.Errorf("iou_threshold must be in (0, 1], got %f", *c.IoUThreshold)
		}
	}

	if c.PickConfidence != nil {
		if *c.PickConfidence < 0 || *c.PickConfidence > 1 {
			return fmt.Errorf("pick_confidence must be between 0 and 1, got %f", *c.PickConfidence)
		}
	}

	if c.DebounceFrames != nil && *c.DebounceFrames < 1 {
		return fmt.Errorf("debounce_frames must be >= 1, got %d", *c.DebounceFrames)
	}

	if c.MaxMissedFrames != nil && *c.MaxMissedFrames < 1 {
		return fmt.Errorf("max_missed_frames must be >= 1, got %d", *c.MaxMissedFrames)
	}

	if c.FrameBuffer != nil && *c.FrameBuffer < 1 {
		return fmt.Errorf("frame_buffer must be >= 1, got %d", *c.FrameBuffer)
	}

	for name, v := range map[string]*string{
		"frame_interval":     c.FrameInterval,
		"debounce_window":    c.DebounceWindow,
		"reorder_window":     c.ReorderWindow,
		"sensor_tolerance":   c.SensorTolerance,
		"inactivity_timeout": c.InactivityTimeout,
		"sweep_interval":     c.SweepInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func durationOrDefault(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *TuningConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3
	}
	return *c.IoUThreshold
}

// GetMaxMissedFrames returns the max_missed_frames value or the default.
func (c *TuningConfig) GetMaxMissedFrames() int {
	if c.MaxMissedFrames == nil {
		return 3
	}
	return *c.MaxMissedFrames
}

// GetConfidenceWindow returns the confidence_window value or the default.
func (c *TuningConfig) GetConfidenceWindow() int {
	if c.ConfidenceWindow == nil {
		return 5
	}
	return *c.ConfidenceWindow
}

// GetFrameInterval parses and returns the FrameInterval as a time.Duration.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	return durationOrDefault(c.FrameInterval, 200*time.Millisecond)
}

// GetFrameBuffer returns the frame_buffer value or the default.
func (c *TuningConfig) GetFrameBuffer() int {
	if c.FrameBuffer == nil {
		return 16
	}
	return *c.FrameBuffer
}

// GetMaxConsecutiveErrors returns the max_consecutive_errors value or the default.
func (c *TuningConfig) GetMaxConsecutiveErrors() int {
	if c.MaxConsecutiveErrors == nil {
		return 5
	}
	return *c.MaxConsecutiveErrors
}

// GetPickConfidence returns the pick_confidence value or the default.
func (c *TuningConfig) GetPickConfidence() float64 {
	if c.PickConfidence == nil {
		return 0.6
	}
	return *c.PickConfidence
}

// GetDebounceFrames returns the debounce_frames value or the default.
func (c *TuningConfig) GetDebounceFrames() int {
	if c.DebounceFrames == nil {
		return 3
	}
	return *c.DebounceFrames
}

// GetDebounceWindow parses and returns the DebounceWindow as a time.Duration.
func (c *TuningConfig) GetDebounceWindow() time.Duration {
	return durationOrDefault(c.DebounceWindow, 1500*time.Millisecond)
}

// GetReorderWindow parses and returns the ReorderWindow as a time.Duration.
func (c *TuningConfig) GetReorderWindow() time.Duration {
	return durationOrDefault(c.ReorderWindow, 250*time.Millisecond)
}

// GetSensorTolerance parses and returns the SensorTolerance as a time.Duration.
func (c *TuningConfig) GetSensorTolerance() time.Duration {
	return durationOrDefault(c.SensorTolerance, 2*time.Second)
}

// GetMinSensorDelta returns the min_sensor_delta value or the default.
func (c *TuningConfig) GetMinSensorDelta() float64 {
	if c.MinSensorDelta == nil {
		return 0.01
	}
	return *c.MinSensorDelta
}

// GetInactivityTimeout parses and returns the InactivityTimeout as a time.Duration.
func (c *TuningConfig) GetInactivityTimeout() time.Duration {
	return durationOrDefault(c.InactivityTimeout, 300*time.Second)
}

// GetSweepInterval parses and returns the SweepInterval as a time.Duration.
func (c *TuningConfig) GetSweepInterval() time.Duration {
	return durationOrDefault(c.SweepInterval, 10*time.Second)
}
