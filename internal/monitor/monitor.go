// Package monitor runs one event loop per hub connection: it applies the
// ordered message stream to the state cache, runs transition detection
// synchronously, and hands deliveries to fire-and-forget goroutines so a
// slow push transport can never stall state synchronization.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/kolapsis/printwatch/internal/detect"
	"github.com/kolapsis/printwatch/internal/dispatch"
	"github.com/kolapsis/printwatch/internal/hub"
	"github.com/kolapsis/printwatch/internal/state"
)

// Source is the hub connection the monitor consumes.
// Defined consumer-side per Go convention.
type Source interface {
	Run(ctx context.Context) error
	Messages() <-chan hub.Message
}

// Monitor drives one hub's pipeline. Events for a prefix are processed
// strictly in arrival order; only outbound pushes run concurrently.
type Monitor struct {
	name       string
	source     Source
	cache      *state.Cache
	detector   *detect.Detector
	dispatcher *dispatch.Dispatcher
	throttle   *dispatch.Throttle

	// staleAfter flips a device offline when no event arrives within the
	// window. Zero disables the check.
	staleAfter time.Duration
}

// New creates a Monitor for one hub.
func New(name string, source Source, cache *state.Cache, detector *detect.Detector,
	dispatcher *dispatch.Dispatcher, throttle *dispatch.Throttle, staleAfter time.Duration) *Monitor {
	return &Monitor{
		name:       name,
		source:     source,
		cache:      cache,
		detector:   detector,
		dispatcher: dispatcher,
		throttle:   throttle,
		staleAfter: staleAfter,
	}
}

// Cache exposes the monitor's state cache for the query API.
func (m *Monitor) Cache() *state.Cache {
	return m.cache
}

// Run processes the hub stream until the context is cancelled or the
// connection fails terminally (authentication rejected or reconnection
// budget exhausted). The terminal error is returned to the supervisor,
// which owns user-visible alerting.
func (m *Monitor) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.source.Run(ctx)
	}()

	var staleTick <-chan time.Time
	if m.staleAfter > 0 {
		t := time.NewTicker(m.staleAfter / 2)
		defer t.Stop()
		staleTick = t.C
	}

	for {
		select {
		case msg := <-m.source.Messages():
			if msg.Snapshot != nil {
				m.applySnapshot(ctx, msg.Snapshot)
			} else if msg.Event != nil {
				m.applyEvent(ctx, msg.Event)
			}

		case <-staleTick:
			for _, prefix := range m.cache.MarkOffline(m.staleAfter) {
				slog.Warn("printer went stale", "hub", m.name, "prefix", prefix)
			}

		case err := <-errCh:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applySnapshot reconciles the cache with a full entity snapshot, fetched
// after every (re)connect so transitions that happened during a disconnect
// window are caught up instead of silently lost.
//
// Prefixes never seen before only seed the cache and the detector baseline:
// a daemon started mid-print must not announce that print as freshly
// started, and must not replay already-passed milestones.
func (m *Monitor) applySnapshot(ctx context.Context, snapshot []hub.EntityState) {
	// Known-ness is decided before the snapshot mutates anything: the first
	// entity of a fresh prefix must not make its siblings look pre-existing.
	knownBefore := make(map[string]bool)
	for _, d := range m.cache.GetAll() {
		knownBefore[d.Prefix] = true
	}

	touched := make(map[string]bool)

	for _, es := range snapshot {
		prefix, suffix, ok := state.SplitEntityID(es.EntityID)
		if !ok {
			continue
		}
		known := knownBefore[prefix]

		prev, _ := m.cache.Get(prefix)
		st := m.cache.Apply(prefix, suffix, es.State)
		touched[prefix] = true

		switch suffix {
		case state.SuffixStatus:
			if known {
				if tr := m.detector.EvaluateStatus(prefix, prev.Status, st.Status, st.SubtaskName); tr != nil {
					slog.Info("transition caught up from snapshot",
						"hub", m.name, "prefix", prefix, "kind", string(tr.Kind))
					go m.dispatcher.OnStatusTransition(ctx, tr)
				}
			}
		case state.SuffixProgress:
			mc := m.detector.EvaluateProgress(prefix, st.ProgressPercent, st.SubtaskName)
			if mc != nil && known {
				go m.dispatcher.OnMilestone(ctx, mc)
			}
		}
	}

	// A snapshot is a telemetry refresh too: give the live-activity
	// channel a chance to update (or end) each touched printer.
	for prefix := range touched {
		if st, ok := m.cache.Get(prefix); ok {
			go m.throttle.MaybeSend(ctx, st)
		}
	}
}

// applyEvent processes one incremental state change.
func (m *Monitor) applyEvent(ctx context.Context, e *hub.RawEvent) {
	prefix, suffix, ok := state.SplitEntityID(e.EntityID)
	if !ok {
		// Unrecognized suffixes are expected noise, not errors.
		return
	}

	prev, known := m.cache.Get(prefix)
	st := m.cache.Apply(prefix, suffix, e.NewValue)

	switch suffix {
	case state.SuffixStatus:
		oldStatus := state.StatusUnknown
		if known {
			oldStatus = prev.Status
		}
		if tr := m.detector.EvaluateStatus(prefix, oldStatus, st.Status, st.SubtaskName); tr != nil {
			go m.dispatcher.OnStatusTransition(ctx, tr)
		}

	case state.SuffixProgress:
		if mc := m.detector.EvaluateProgress(prefix, st.ProgressPercent, st.SubtaskName); mc != nil {
			go m.dispatcher.OnMilestone(ctx, mc)
		}
	}

	go m.throttle.MaybeSend(ctx, st)
}
