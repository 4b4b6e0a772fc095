package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/printwatch/internal/detect"
	"github.com/kolapsis/printwatch/internal/dispatch"
	"github.com/kolapsis/printwatch/internal/hub"
	"github.com/kolapsis/printwatch/internal/push"
	"github.com/kolapsis/printwatch/internal/state"
	"github.com/kolapsis/printwatch/internal/store"
)

// fakeSource feeds a scripted message stream to the monitor.
type fakeSource struct {
	msgs chan hub.Message
	errs chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		msgs: make(chan hub.Message, 16),
		errs: make(chan error, 1),
	}
}

func (f *fakeSource) Run(ctx context.Context) error {
	select {
	case err := <-f.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSource) Messages() <-chan hub.Message { return f.msgs }

func (f *fakeSource) snapshot(entities ...hub.EntityState) {
	f.msgs <- hub.Message{Snapshot: entities}
}

func (f *fakeSource) event(prefix, suffix, value string) {
	f.msgs <- hub.Message{Event: &hub.RawEvent{
		EntityID: "sensor." + prefix + "_" + suffix,
		NewValue: value,
	}}
}

func entity(prefix, suffix, value string) hub.EntityState {
	return hub.EntityState{
		EntityID: "sensor." + prefix + "_" + suffix,
		State:    value,
	}
}

// memStore implements dispatch.RecipientSource, dispatch.TokenSource and
// dispatch.HistorySink in memory.
type memStore struct {
	mu         sync.Mutex
	recipients []store.Recipient
	history    []store.HistoryEntry
}

func (m *memStore) ListRecipients(prefix string) ([]store.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Recipient
	for _, r := range m.recipients {
		if r.PrinterPrefix == prefix {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ClearLiveActivityTokens(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recipients {
		if m.recipients[i].PrinterPrefix == prefix {
			m.recipients[i].LiveActivityToken = ""
		}
	}
	return nil
}

func (m *memStore) AddHistory(e *store.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, *e)
	return nil
}

// memGateway records every push.
type memGateway struct {
	mu         sync.Mutex
	notes      []push.Notification
	activities []push.LiveActivityPush
}

func (g *memGateway) Deliver(_ context.Context, _ string, n push.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notes = append(g.notes, n)
	return nil
}

func (g *memGateway) DeliverLiveActivity(_ context.Context, _ string, p push.LiveActivityPush) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activities = append(g.activities, p)
	return nil
}

func (g *memGateway) titles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.notes))
	for i, n := range g.notes {
		out[i] = n.Title
	}
	return out
}

func (g *memGateway) activityEvents() []push.LiveActivityEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]push.LiveActivityEvent, len(g.activities))
	for i, p := range g.activities {
		out[i] = p.Event
	}
	return out
}

func allOn(id, prefix string) store.Recipient {
	return store.Recipient{
		ID:            id,
		PushToken:     "tok-" + id,
		PrinterPrefix: prefix,
		OnStart:       true,
		OnComplete:    true,
		OnFailed:      true,
		OnPaused:      true,
		OnMilestone:   true,
	}
}

type testRig struct {
	source  *fakeSource
	cache   *state.Cache
	store   *memStore
	gateway *memGateway
	monitor *Monitor
	done    chan error
}

func newTestRig(t *testing.T, staleAfter time.Duration, recipients ...store.Recipient) *testRig {
	t.Helper()

	src := newFakeSource()
	cache := state.NewCache()
	ms := &memStore{recipients: recipients}
	gw := &memGateway{}
	d := dispatch.NewDispatcher(ms, ms, gw, 4)
	th := dispatch.NewThrottle(ms, gw, 30*time.Second)
	m := New("test-hub", src, cache, detect.NewDetector([]int{25, 50, 75}), d, th, staleAfter)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	return &testRig{source: src, cache: cache, store: ms, gateway: gw, monitor: m, done: done}
}

func waitTitles(t *testing.T, gw *memGateway, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := gw.titles()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "waiting for notifications %v, have %v", want, gw.titles())
}

func TestMonitor_FullPrintLifecycle(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 0, allOn("r1", "h2s"))
	rig.source.snapshot(
		entity("h2s", state.SuffixStatus, "idle"),
		entity("h2s", state.SuffixProgress, "0"),
	)

	rig.source.event("h2s", state.SuffixSubtaskName, "benchy.3mf")
	rig.source.event("h2s", state.SuffixStatus, "running")
	waitTitles(t, rig.gateway, []string{"Print Started 🖨️"})

	rig.source.event("h2s", state.SuffixProgress, "30")
	waitTitles(t, rig.gateway, []string{"Print Started 🖨️", "Print 25% Complete"})

	rig.source.event("h2s", state.SuffixStatus, "paused")
	waitTitles(t, rig.gateway, []string{"Print Started 🖨️", "Print 25% Complete", "Print Paused ⏸️"})

	// Resuming is silent.
	rig.source.event("h2s", state.SuffixStatus, "running")

	rig.source.event("h2s", state.SuffixStatus, "finish")
	waitTitles(t, rig.gateway, []string{
		"Print Started 🖨️",
		"Print 25% Complete",
		"Print Paused ⏸️",
		"Print Complete ✅",
	})

	st, ok := rig.cache.Get("h2s")
	require.True(t, ok)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Equal(t, "benchy.3mf", st.SubtaskName)
}

func TestMonitor_StartupSnapshotMidPrintIsSilent(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 0, allOn("r1", "h2s"))

	// Daemon starts while a print is already at 50%: no "started", no
	// replayed 25/50 milestones.
	rig.source.snapshot(
		entity("h2s", state.SuffixStatus, "running"),
		entity("h2s", state.SuffixProgress, "50"),
	)

	// The next crossing proves the baseline was seeded at 50, not 0.
	rig.source.event("h2s", state.SuffixProgress, "80")
	waitTitles(t, rig.gateway, []string{"Print 75% Complete"})
}

func TestMonitor_SnapshotCatchUpAfterReconnect(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 0, allOn("r1", "h2s"))

	rig.source.snapshot(
		entity("h2s", state.SuffixStatus, "running"),
		entity("h2s", state.SuffixProgress, "90"),
	)

	// The print finished during a disconnect window; the reconnect snapshot
	// must surface the missed transition for the already-known printer.
	rig.source.snapshot(
		entity("h2s", state.SuffixStatus, "finish"),
		entity("h2s", state.SuffixProgress, "100"),
	)

	waitTitles(t, rig.gateway, []string{"Print Complete ✅"})
}

func TestMonitor_UnknownSuffixIgnored(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 0, allOn("r1", "h2s"))
	rig.source.snapshot(entity("h2s", state.SuffixStatus, "idle"))

	rig.source.event("h2s", "wifi_signal", "-60")
	rig.source.event("h2s", state.SuffixStatus, "running")

	waitTitles(t, rig.gateway, []string{"Print Started 🖨️"})

	st, ok := rig.cache.Get("h2s")
	require.True(t, ok)
	assert.Equal(t, state.StatusRunning, st.Status)
}

func TestMonitor_LiveActivityFollowsLifecycle(t *testing.T) {
	t.Parallel()

	r := allOn("r1", "h2s")
	r.LiveActivityToken = "la-1"
	rig := newTestRig(t, 0, r)

	rig.source.snapshot(entity("h2s", state.SuffixStatus, "idle"))

	rig.source.event("h2s", state.SuffixStatus, "running")
	require.Eventually(t, func() bool {
		evs := rig.gateway.activityEvents()
		return len(evs) == 1 && evs[0] == push.EventUpdate
	}, 3*time.Second, 10*time.Millisecond)

	rig.source.event("h2s", state.SuffixStatus, "finish")
	require.Eventually(t, func() bool {
		evs := rig.gateway.activityEvents()
		return len(evs) == 2 && evs[1] == push.EventEnd
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMonitor_MarksStalePrintersOffline(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 100*time.Millisecond)
	rig.source.snapshot(entity("h2s", state.SuffixStatus, "running"))

	require.Eventually(t, func() bool {
		st, ok := rig.cache.Get("h2s")
		return ok && !st.Online
	}, 3*time.Second, 10*time.Millisecond, "printer should flip offline after the staleness window")
}

func TestMonitor_ReturnsTerminalSourceError(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 0)
	terminal := errors.New("reconnect budget exhausted")
	rig.source.errs <- terminal

	select {
	case err := <-rig.done:
		assert.ErrorIs(t, err, terminal)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not return the source error")
	}
}
