package schema

import (
	"errors"
	"time"
)

// ServiceConfig defines defaults and limits for the coordinator.
type ServiceConfig struct {
	// OpenTimeout bounds how long a shell open may stay pending before
	// the watchdog surfaces a timeout.
	OpenTimeout time.Duration
	// FrameInterval is the coalescing window of the layout scheduler.
	FrameInterval time.Duration
	// DefaultGeometry seeds shell opens that omit a grid size.
	DefaultGeometry Geometry
	BufferMaxLines  int
	TabNameMax      int
}

const (
	// DefaultOpenTimeout is the shell open watchdog duration.
	DefaultOpenTimeout = 12 * time.Second
	// DefaultFrameInterval approximates one animation frame.
	DefaultFrameInterval = 16 * time.Millisecond
	// DefaultBufferMaxLines is the default per-tab scrollback limit.
	DefaultBufferMaxLines = 5000
	// DefaultCols is the initial terminal width for shell sessions.
	DefaultCols = 120
	// DefaultRows is the initial terminal height for shell sessions.
	DefaultRows = 32
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.DefaultGeometry.Cols <= 0 {
		cfg.DefaultGeometry.Cols = DefaultCols
	}
	if cfg.DefaultGeometry.Rows <= 0 {
		cfg.DefaultGeometry.Rows = DefaultRows
	}
	if cfg.BufferMaxLines <= 0 {
		cfg.BufferMaxLines = DefaultBufferMaxLines
	}
	if cfg.TabNameMax <= 0 {
		cfg.TabNameMax = 32
	}
	if cfg.TabNameMax < 4 {
		return ServiceConfig{}, errors.New("tab name max too small")
	}
	return cfg, nil
}
