package pool

import (
	"sort"
	"time"

	"github.com/zjrosen/comfyfleet/internal/fleet/session"
)

// NodeStatus is a profiled node's final disposition.
type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeCached    NodeStatus = "cached"
	NodeFailed    NodeStatus = "failed"
)

// ProgressPoint is one progress sample from a node.
type ProgressPoint struct {
	At    time.Time
	Value int
	Max   int
}

// NodeProfile is the execution record of one node.
type NodeProfile struct {
	ID       string
	Status   NodeStatus
	Started  time.Time
	Duration time.Duration
	Progress []ProgressPoint
}

// NodeDuration pairs a node id with its run time for the summary.
type NodeDuration struct {
	ID       string
	Duration time.Duration
}

// Summary aggregates a finished profile.
type Summary struct {
	TotalNodes    int
	Executed      int
	Cached        int
	Failed        int
	Slowest       []NodeDuration
	ProgressNodes []string
}

// Profile is the per-job execution profile.
type Profile struct {
	Nodes         map[string]*NodeProfile
	StartedAt     time.Time
	CompletedAt   time.Time
	QueueTime     time.Duration
	ExecutionTime time.Duration
	TotalDuration time.Duration
	Summary       Summary
}

// profiler folds session events for one prompt into a Profile.
type profiler struct {
	nodes   map[string]*NodeProfile
	current string
	started time.Time
	ended   time.Time
	now     func() time.Time
}

func newProfiler() *profiler {
	return &profiler{nodes: make(map[string]*NodeProfile), now: time.Now}
}

func (p *profiler) node(id string) *NodeProfile {
	np, ok := p.nodes[id]
	if !ok {
		np = &NodeProfile{ID: id}
		p.nodes[id] = np
	}
	return np
}

// observe folds one already-correlated session event into the profile.
func (p *profiler) observe(ev session.Event) {
	switch ev.Type {
	case session.EventExecutionStart:
		p.started = p.now()
	case session.EventExecutionCached:
		for _, id := range ev.Nodes {
			np := p.node(id)
			np.Status = NodeCached
			np.Duration = 0
		}
	case session.EventExecuting:
		now := p.now()
		p.completeCurrent(now)
		if ev.Node == nil {
			p.ended = now
			return
		}
		np := p.node(*ev.Node)
		np.Status = NodeRunning
		np.Started = now
		p.current = *ev.Node
	case session.EventProgress:
		if ev.ProgressNode == "" {
			return
		}
		np := p.node(ev.ProgressNode)
		np.Progress = append(np.Progress, ProgressPoint{At: p.now(), Value: ev.Value, Max: ev.Max})
	case session.EventExecutionError:
		if ev.Err != nil && ev.Err.NodeID != "" {
			np := p.node(ev.Err.NodeID)
			np.Status = NodeFailed
			if !np.Started.IsZero() {
				np.Duration = p.now().Sub(np.Started)
			}
		}
		p.ended = p.now()
	case session.EventExecutionSuccess:
		now := p.now()
		p.completeCurrent(now)
		p.ended = now
	}
}

func (p *profiler) completeCurrent(now time.Time) {
	if p.current == "" {
		return
	}
	np := p.nodes[p.current]
	if np != nil && np.Status == NodeRunning {
		np.Status = NodeCompleted
		np.Duration = now.Sub(np.Started)
	}
	p.current = ""
}

// finalize builds the Profile relative to the job's enqueue time.
func (p *profiler) finalize(enqueuedAt time.Time) *Profile {
	if p.ended.IsZero() {
		p.ended = p.now()
	}
	if p.started.IsZero() {
		p.started = p.ended
	}

	prof := &Profile{
		Nodes:       p.nodes,
		StartedAt:   p.started,
		CompletedAt: p.ended,
	}
	if !enqueuedAt.IsZero() {
		prof.QueueTime = p.started.Sub(enqueuedAt)
		prof.TotalDuration = p.ended.Sub(enqueuedAt)
	}
	prof.ExecutionTime = p.ended.Sub(p.started)

	var durations []NodeDuration
	for id, np := range p.nodes {
		prof.Summary.TotalNodes++
		switch np.Status {
		case NodeCached:
			prof.Summary.Cached++
		case NodeFailed:
			prof.Summary.Failed++
		default:
			prof.Summary.Executed++
			durations = append(durations, NodeDuration{ID: id, Duration: np.Duration})
		}
		if len(np.Progress) > 0 {
			prof.Summary.ProgressNodes = append(prof.Summary.ProgressNodes, id)
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i].Duration > durations[j].Duration })
	if len(durations) > 5 {
		durations = durations[:5]
	}
	prof.Summary.Slowest = durations
	sort.Strings(prof.Summary.ProgressNodes)
	return prof
}
