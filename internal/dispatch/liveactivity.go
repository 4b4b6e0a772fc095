package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kolapsis/printwatch/internal/push"
	"github.com/kolapsis/printwatch/internal/state"
)

// DismissalDelay is how long a finished print's live activity stays on the
// lock screen before the "end" push's dismissal deadline removes it.
const DismissalDelay = 15 * time.Minute

// TokenSource provides live-activity tokens for a prefix and clears them
// once the activity has been ended.
type TokenSource interface {
	RecipientSource
	ClearLiveActivityTokens(prefix string) error
}

// Throttle rate-limits live-activity content updates per printer prefix.
// Unlike discrete notifications, content updates arrive on every telemetry
// refresh and must be suppressed to the configured interval. Non-active
// states bypass the limit so the surface can dismiss promptly.
type Throttle struct {
	tokens   TokenSource
	gateway  push.Gateway
	interval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // prefix → last content update

	now func() time.Time
}

// NewThrottle creates a Throttle with the given minimum update interval.
func NewThrottle(tokens TokenSource, gateway push.Gateway, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Throttle{
		tokens:   tokens,
		gateway:  gateway,
		interval: interval,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// MaybeSend pushes a live-activity update for the given device state unless
// the per-prefix rate limit suppresses it. Returns true when at least one
// push was actually sent.
//
// Terminal statuses (complete/failed/cancelled) send a distinct "end" push
// carrying a dismissal deadline and clear the registered tokens for the
// prefix, returning the channel to its no-activity state.
func (t *Throttle) MaybeSend(ctx context.Context, st state.DeviceState) bool {
	active := st.Status == state.StatusRunning || st.Status == state.StatusPaused

	// Terminal teardown runs no matter what gets delivered: even with zero
	// registered tokens the activity is over, and a stale lastSent entry
	// must not suppress the next registration's first update.
	if st.Status.Terminal() {
		defer t.endActivity(st.Prefix, st.Status)
	}

	// The rate-limit slot is reserved before delivering, in one critical
	// section with the suppression check: the monitor spawns one MaybeSend
	// goroutine per telemetry event, so a single hub refresh burst produces
	// several concurrent calls for the same prefix that must collapse to
	// one update inside the interval.
	var prevSent time.Time
	var hadSlot bool
	if active {
		t.mu.Lock()
		prevSent, hadSlot = t.lastSent[st.Prefix]
		if hadSlot && t.now().Sub(prevSent) < t.interval {
			t.mu.Unlock()
			return false
		}
		t.lastSent[st.Prefix] = t.now()
		t.mu.Unlock()
	}

	// release gives the reserved slot back when nothing went out, so a
	// refresh with no registered tokens (or a total delivery failure) never
	// suppresses the first real update.
	release := func() {
		if !active {
			return
		}
		t.mu.Lock()
		if hadSlot {
			t.lastSent[st.Prefix] = prevSent
		} else {
			delete(t.lastSent, st.Prefix)
		}
		t.mu.Unlock()
	}

	recipients, err := t.tokens.ListRecipients(st.Prefix)
	if err != nil {
		slog.Error("live-activity token lookup failed", "prefix", st.Prefix, "error", err)
		release()
		return false
	}

	var tokens []string
	for _, r := range recipients {
		if r.LiveActivityToken != "" {
			tokens = append(tokens, r.LiveActivityToken)
		}
	}
	if len(tokens) == 0 {
		release()
		return false
	}

	var p push.LiveActivityPush
	if st.Status.Terminal() {
		p = push.LiveActivityPush{
			Event:         push.EventEnd,
			ContentState:  contentState(st),
			DismissalDate: t.now().Add(DismissalDelay).Unix(),
		}
	} else {
		p = push.LiveActivityPush{
			Event:        push.EventUpdate,
			ContentState: contentState(st),
		}
	}

	sent := false
	for _, token := range tokens {
		if err := t.gateway.DeliverLiveActivity(ctx, token, p); err != nil {
			slog.Warn("live-activity push failed",
				"prefix", st.Prefix,
				"event", string(p.Event),
				"error", err)
			continue
		}
		sent = true
	}
	if !sent {
		release()
	}

	return sent
}

// endActivity tears down a prefix's live-activity bookkeeping after a
// terminal status: registered tokens are cleared and the rate-limit slot
// dropped, so a freshly registered token starts a new activity immediately.
func (t *Throttle) endActivity(prefix string, status state.Status) {
	if err := t.tokens.ClearLiveActivityTokens(prefix); err != nil {
		slog.Error("clearing live-activity tokens failed", "prefix", prefix, "error", err)
	}
	t.mu.Lock()
	delete(t.lastSent, prefix)
	t.mu.Unlock()
	slog.Info("live activity ended", "prefix", prefix, "status", string(status))
}

// contentState is the payload rendered on the lock-screen surface.
func contentState(st state.DeviceState) map[string]any {
	return map[string]any{
		"status":            string(st.Status),
		"progress":          st.ProgressPercent,
		"current_layer":     st.CurrentLayer,
		"total_layers":      st.TotalLayers,
		"remaining_seconds": st.RemainingSeconds,
		"filename":          st.SubtaskName,
		"nozzle_temp":       st.NozzleTemp,
		"bed_temp":          st.BedTemp,
	}
}
