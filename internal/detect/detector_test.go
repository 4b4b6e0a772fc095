package detect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/printwatch/internal/state"
)

func newTestDetector() *Detector {
	return NewDetector([]int{25, 50, 75})
}

func TestEvaluateStatus_RuleTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		old  state.Status
		new  state.Status
		want TransitionKind // "" means no transition
	}{
		{state.StatusIdle, state.StatusRunning, KindStarted},
		{state.StatusUnknown, state.StatusRunning, KindStarted},
		{state.StatusComplete, state.StatusRunning, KindStarted},
		{state.StatusFailed, state.StatusRunning, KindStarted},
		{state.StatusRunning, state.StatusComplete, KindCompleted},
		{state.StatusRunning, state.StatusFailed, KindFailed},
		{state.StatusRunning, state.StatusPaused, KindPaused},

		// Resume is intentionally silent.
		{state.StatusPaused, state.StatusRunning, ""},
		// Self-transitions from sensor re-announcements are silent.
		{state.StatusIdle, state.StatusIdle, ""},
		{state.StatusRunning, state.StatusRunning, ""},
		{state.StatusPaused, state.StatusPaused, ""},
		// Pairs outside the table are silent.
		{state.StatusIdle, state.StatusComplete, ""},
		{state.StatusPaused, state.StatusFailed, ""},
		{state.StatusComplete, state.StatusIdle, ""},
		{state.StatusRunning, state.StatusIdle, ""},
		{state.StatusPaused, state.StatusComplete, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s_to_%s", tt.old, tt.new), func(t *testing.T) {
			t.Parallel()

			d := newTestDetector()
			tr := d.EvaluateStatus("p1s", tt.old, tt.new, "benchy.3mf")

			if tt.want == "" {
				assert.Nil(t, tr)
				return
			}
			require.NotNil(t, tr)
			assert.Equal(t, tt.want, tr.Kind)
			assert.Equal(t, "p1s", tr.Prefix)
			assert.Equal(t, tt.old, tr.OldStatus)
			assert.Equal(t, tt.new, tr.NewStatus)
			assert.Equal(t, "benchy.3mf", tr.Filename)
			assert.False(t, tr.ObservedAt.IsZero())
		})
	}
}

func TestEvaluateProgress_CrossesLowestThresholdOnly(t *testing.T) {
	t.Parallel()

	d := newTestDetector()
	d.EvaluateStatus("h2s", state.StatusIdle, state.StatusRunning, "")

	// Jump straight from 0 past 25 and 50: only 25 fires.
	mc := d.EvaluateProgress("h2s", 60, "")
	require.NotNil(t, mc)
	assert.Equal(t, 25, mc.Milestone)
	assert.Equal(t, 60, mc.ProgressAtCrossing)

	// 50 was forgone, not deferred: the next update crosses 75 only.
	mc = d.EvaluateProgress("h2s", 80, "")
	require.NotNil(t, mc)
	assert.Equal(t, 75, mc.Milestone)
}

func TestEvaluateProgress_SequenceScenario(t *testing.T) {
	t.Parallel()

	d := newTestDetector()
	d.EvaluateStatus("h2s", state.StatusIdle, state.StatusRunning, "")

	var crossed []int
	for _, p := range []int{10, 26, 40, 51, 80} {
		if mc := d.EvaluateProgress("h2s", p, ""); mc != nil {
			crossed = append(crossed, mc.Milestone)
		}
	}

	assert.Equal(t, []int{25, 50, 75}, crossed)
}

func TestEvaluateProgress_EachMilestoneAtMostOnce(t *testing.T) {
	t.Parallel()

	d := newTestDetector()
	d.EvaluateStatus("p1s", state.StatusIdle, state.StatusRunning, "")

	require.NotNil(t, d.EvaluateProgress("p1s", 30, ""))
	// Replaying the same value and regressing both emit nothing.
	assert.Nil(t, d.EvaluateProgress("p1s", 30, ""))
	assert.Nil(t, d.EvaluateProgress("p1s", 28, ""))
	assert.Nil(t, d.EvaluateProgress("p1s", 30, ""))
}

func TestEvaluateStatus_StartedRearmsMilestones(t *testing.T) {
	t.Parallel()

	d := newTestDetector()
	d.EvaluateStatus("h2s", state.StatusIdle, state.StatusRunning, "first.3mf")

	// First print runs past every milestone.
	d.EvaluateProgress("h2s", 80, "first.3mf")
	d.EvaluateProgress("h2s", 100, "first.3mf")
	d.EvaluateStatus("h2s", state.StatusRunning, state.StatusComplete, "first.3mf")

	// Fresh start resets the counter: 30% crosses 25 again.
	tr := d.EvaluateStatus("h2s", state.StatusComplete, state.StatusRunning, "second.3mf")
	require.NotNil(t, tr)
	assert.Equal(t, KindStarted, tr.Kind)

	mc := d.EvaluateProgress("h2s", 30, "second.3mf")
	require.NotNil(t, mc)
	assert.Equal(t, 25, mc.Milestone)
}

func TestEvaluateProgress_UnseenPrefixSeedsBaseline(t *testing.T) {
	t.Parallel()

	d := newTestDetector()

	// First observation for a prefix with no started transition (daemon
	// restarted mid-print) must not replay milestones.
	assert.Nil(t, d.EvaluateProgress("x1c", 60, ""))

	// Progress from that baseline crosses the next threshold normally.
	mc := d.EvaluateProgress("x1c", 76, "")
	require.NotNil(t, mc)
	assert.Equal(t, 75, mc.Milestone)
}

func TestEvaluateStatus_FullLifecycleScenario(t *testing.T) {
	t.Parallel()

	d := newTestDetector()

	seq := []struct {
		old state.Status
		new state.Status
	}{
		{state.StatusIdle, state.StatusRunning},
		{state.StatusRunning, state.StatusPaused},
		{state.StatusPaused, state.StatusRunning},
		{state.StatusRunning, state.StatusComplete},
	}

	var kinds []TransitionKind
	for _, s := range seq {
		if tr := d.EvaluateStatus("h2s", s.old, s.new, ""); tr != nil {
			kinds = append(kinds, tr.Kind)
		}
	}

	// started, paused, completed — the resume emits nothing.
	assert.Equal(t, []TransitionKind{KindStarted, KindPaused, KindCompleted}, kinds)
}

func TestDetector_PrefixesAreIndependent(t *testing.T) {
	t.Parallel()

	d := newTestDetector()
	d.EvaluateStatus("h2s", state.StatusIdle, state.StatusRunning, "")
	d.EvaluateStatus("p1s", state.StatusIdle, state.StatusRunning, "")

	require.NotNil(t, d.EvaluateProgress("h2s", 30, ""))

	// p1s still has its own 25 milestone armed.
	mc := d.EvaluateProgress("p1s", 27, "")
	require.NotNil(t, mc)
	assert.Equal(t, 25, mc.Milestone)
}
