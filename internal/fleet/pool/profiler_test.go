package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/comfyfleet/internal/fleet/session"
	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
)

// tickingClock advances a fixed step on every read so durations are
// deterministic.
type tickingClock struct {
	now  time.Time
	step time.Duration
}

func (c *tickingClock) tick() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestProfiler(step time.Duration) (*profiler, *tickingClock) {
	clock := &tickingClock{now: time.Unix(1700000000, 0), step: step}
	p := newProfiler()
	p.now = clock.tick
	return p, clock
}

func strptr(s string) *string { return &s }

func TestProfiler_HappyPath(t *testing.T) {
	p, clock := newTestProfiler(time.Second)
	enqueued := clock.now

	p.observe(session.Event{Type: session.EventExecutionStart, PromptID: "p1"})
	p.observe(session.Event{Type: session.EventExecutionCached, Nodes: []string{"1"}})
	p.observe(session.Event{Type: session.EventExecuting, Node: strptr("2")})
	p.observe(session.Event{Type: session.EventProgress, ProgressNode: "2", Value: 10, Max: 20})
	p.observe(session.Event{Type: session.EventProgress, ProgressNode: "2", Value: 20, Max: 20})
	p.observe(session.Event{Type: session.EventExecuting, Node: strptr("3")})
	p.observe(session.Event{Type: session.EventExecuting, Node: nil})
	p.observe(session.Event{Type: session.EventExecutionSuccess})

	prof := p.finalize(enqueued)

	require.Equal(t, NodeCached, prof.Nodes["1"].Status)
	require.Equal(t, NodeCompleted, prof.Nodes["2"].Status)
	require.Equal(t, NodeCompleted, prof.Nodes["3"].Status)
	require.Len(t, prof.Nodes["2"].Progress, 2)

	require.Equal(t, 3, prof.Summary.TotalNodes)
	require.Equal(t, 1, prof.Summary.Cached)
	require.Equal(t, 2, prof.Summary.Executed)
	require.Equal(t, 0, prof.Summary.Failed)
	require.Equal(t, []string{"2"}, prof.Summary.ProgressNodes)

	// Node 2 spans the two progress ticks plus the transition to node 3.
	require.Greater(t, prof.Nodes["2"].Duration, time.Duration(0))
	require.Greater(t, prof.ExecutionTime, time.Duration(0))
	require.Greater(t, prof.TotalDuration, prof.ExecutionTime)
}

func TestProfiler_FailedNode(t *testing.T) {
	p, clock := newTestProfiler(time.Second)
	enqueued := clock.now

	p.observe(session.Event{Type: session.EventExecutionStart})
	p.observe(session.Event{Type: session.EventExecuting, Node: strptr("5")})
	p.observe(session.Event{Type: session.EventExecutionError, Err: &wire.ExecutionErrorData{
		NodeID: "5", ExceptionType: "RuntimeError", ExceptionMessage: "boom",
	}})

	prof := p.finalize(enqueued)
	require.Equal(t, NodeFailed, prof.Nodes["5"].Status)
	require.Greater(t, prof.Nodes["5"].Duration, time.Duration(0))
	require.Equal(t, 1, prof.Summary.Failed)
	require.Equal(t, 0, prof.Summary.Executed)
}

func TestProfiler_SlowestTopFive(t *testing.T) {
	p, _ := newTestProfiler(time.Second)

	p.observe(session.Event{Type: session.EventExecutionStart})
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		p.observe(session.Event{Type: session.EventExecuting, Node: strptr(id)})
	}
	p.observe(session.Event{Type: session.EventExecutionSuccess})

	prof := p.finalize(time.Time{})
	require.Len(t, prof.Summary.Slowest, 5)
	for i := 1; i < len(prof.Summary.Slowest); i++ {
		require.GreaterOrEqual(t,
			prof.Summary.Slowest[i-1].Duration,
			prof.Summary.Slowest[i].Duration)
	}
}

func TestProfiler_FinalizeWithoutEvents(t *testing.T) {
	p, _ := newTestProfiler(time.Second)
	prof := p.finalize(time.Time{})
	require.NotNil(t, prof)
	require.Equal(t, 0, prof.Summary.TotalNodes)
	require.Zero(t, prof.QueueTime)
}
