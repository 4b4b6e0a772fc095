package state

import "time"

// Status is the print-lifecycle state reported by the printer's status sensor.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// NormalizeStatus maps raw sensor values onto the canonical Status set.
// Integrations disagree on spelling ("pause" vs "paused", "finish" vs
// "complete"); everything unrecognized becomes StatusUnknown.
func NormalizeStatus(raw string) Status {
	switch raw {
	case "idle", "offline":
		return StatusIdle
	case "running", "printing", "prepare":
		return StatusRunning
	case "pause", "paused":
		return StatusPaused
	case "finish", "complete", "completed":
		return StatusComplete
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// Terminal reports whether the status ends a live activity.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// DeviceState is the last-known telemetry snapshot for one printer prefix.
// Owned exclusively by the Cache; consumers receive copies.
type DeviceState struct {
	Prefix           string    `json:"prefix"`
	Status           Status    `json:"status"`
	ProgressPercent  int       `json:"progress_percent"`
	CurrentLayer     int       `json:"current_layer"`
	TotalLayers      int       `json:"total_layers"`
	RemainingSeconds int       `json:"remaining_seconds"`
	NozzleTemp       float64   `json:"nozzle_temp"`
	BedTemp          float64   `json:"bed_temp"`
	SubtaskName      string    `json:"subtask_name,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
	Online           bool      `json:"online"`
}
