// Package detect decides when telemetry changes are worth notifying about.
// It is pure decision logic: no I/O, no clocks beyond timestamping.
package detect

import (
	"sync"
	"time"

	"github.com/kolapsis/printwatch/internal/state"
)

// TransitionKind classifies a notification-worthy status change.
type TransitionKind string

const (
	KindStarted   TransitionKind = "started"
	KindCompleted TransitionKind = "completed"
	KindFailed    TransitionKind = "failed"
	KindPaused    TransitionKind = "paused"
)

// StatusTransition is emitted once per notification-worthy status change.
type StatusTransition struct {
	Prefix     string
	Kind       TransitionKind
	OldStatus  state.Status
	NewStatus  state.Status
	Filename   string
	ObservedAt time.Time
}

// MilestoneCrossing is emitted the first time progress passes a configured
// threshold within one print lifecycle.
type MilestoneCrossing struct {
	Prefix             string
	Milestone          int
	ProgressAtCrossing int
	Filename           string
	ObservedAt         time.Time
}

// Detector tracks per-prefix progress bookkeeping and applies the transition
// rule table. Safe for concurrent use, though a monitor normally drives it
// from a single event loop.
type Detector struct {
	milestones []int // ascending

	mu           sync.Mutex
	lastProgress map[string]int

	now func() time.Time
}

// NewDetector creates a Detector with the given ascending milestone
// thresholds (e.g. 25, 50, 75).
func NewDetector(milestones []int) *Detector {
	ms := make([]int, len(milestones))
	copy(ms, milestones)
	return &Detector{
		milestones:   ms,
		lastProgress: make(map[string]int),
		now:          time.Now,
	}
}

// EvaluateStatus applies the transition rule table and returns a
// StatusTransition, or nil when the pair is not notification-worthy.
//
// Only four transitions notify: fresh start (old is neither running nor
// paused, new is running), and running→complete/failed/paused. Everything
// else is silent, including self-transitions and resume (paused→running), so
// hub-side sensor re-announcements never duplicate a notification.
// A started transition also resets the prefix's milestone bookkeeping.
func (d *Detector) EvaluateStatus(prefix string, oldStatus, newStatus state.Status, filename string) *StatusTransition {
	kind, ok := classify(oldStatus, newStatus)
	if !ok {
		return nil
	}

	if kind == KindStarted {
		d.mu.Lock()
		d.lastProgress[prefix] = 0
		d.mu.Unlock()
	}

	return &StatusTransition{
		Prefix:     prefix,
		Kind:       kind,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Filename:   filename,
		ObservedAt: d.now(),
	}
}

// classify implements the rule table, first match wins.
func classify(oldStatus, newStatus state.Status) (TransitionKind, bool) {
	if oldStatus == newStatus {
		return "", false
	}
	switch {
	case newStatus == state.StatusRunning && oldStatus != state.StatusRunning && oldStatus != state.StatusPaused:
		return KindStarted, true
	case oldStatus == state.StatusRunning && newStatus == state.StatusComplete:
		return KindCompleted, true
	case oldStatus == state.StatusRunning && newStatus == state.StatusFailed:
		return KindFailed, true
	case oldStatus == state.StatusRunning && newStatus == state.StatusPaused:
		return KindPaused, true
	}
	return "", false
}

// EvaluateProgress records the new progress value and returns a
// MilestoneCrossing for the lowest uncrossed threshold, or nil.
//
// At most one crossing is emitted per update: if progress jumps past several
// thresholds at once, only the lowest fires and the rest are forgone for
// this lifecycle. The bookkeeping re-arms when EvaluateStatus observes a
// started transition.
func (d *Detector) EvaluateProgress(prefix string, newProgress int, filename string) *MilestoneCrossing {
	d.mu.Lock()
	last, seen := d.lastProgress[prefix]
	d.lastProgress[prefix] = newProgress
	d.mu.Unlock()

	// First observation for an unseen prefix establishes a baseline only;
	// a mid-print restart must not replay old milestones.
	if !seen {
		return nil
	}

	if newProgress <= last {
		return nil
	}

	for _, m := range d.milestones {
		if last < m && m <= newProgress {
			return &MilestoneCrossing{
				Prefix:             prefix,
				Milestone:          m,
				ProgressAtCrossing: newProgress,
				Filename:           filename,
				ObservedAt:         d.now(),
			}
		}
	}
	return nil
}
