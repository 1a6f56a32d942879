package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"

	"servingd/pkg/types"
)

// InputPair routes output Output of an upstream node to input Input.
type InputPair struct {
	Output string
	Input  string
}

// Node is one step of a pipeline. The routing table is fixed when the
// pipeline is built; sessions are created on the first delivery for a
// session key and dropped when the request finishes.
type Node struct {
	name  string
	exec  Executor
	clock clock.Clock
	log   zerolog.Logger

	mapping    map[string][]InputPair
	downstream []*Node

	mu       sync.Mutex
	sessions map[string]*NodeSession
}

func newNode(name string, exec Executor, clk clock.Clock) *Node {
	return &Node{
		name:     name,
		exec:     exec,
		clock:    clk,
		log:      zerolog.Nop(),
		mapping:  make(map[string][]InputPair),
		sessions: make(map[string]*NodeSession),
	}
}

func (n *Node) Name() string { return n.name }

// Dependencies returns the names of the upstream nodes in ascending order.
func (n *Node) Dependencies() []string {
	out := make([]string, 0, len(n.mapping))
	for up := range n.mapping {
		out = append(out, up)
	}
	sort.Strings(out)
	return out
}

func (n *Node) addDependency(up *Node, pair InputPair) {
	if _, ok := n.mapping[up.name]; !ok {
		up.downstream = append(up.downstream, n)
	}
	n.mapping[up.name] = append(n.mapping[up.name], pair)
}

// SetInputs delivers the outputs of upstream for one session. Every output
// the node is wired to must be present; otherwise the session is marked
// failed and nothing from this delivery is kept. ready is true exactly once
// per session: on the delivery that satisfies the last dependency.
func (n *Node) SetInputs(upstream string, meta SessionMetadata, produced types.TensorMap) (ready bool, err error) {
	pairs, ok := n.mapping[upstream]
	if !ok {
		return false, fmt.Errorf("%w: %s is not an upstream of %s", ErrUnknownUpstream, upstream, n.name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sessionLocked(meta)
	switch {
	case s.state == StateFailed:
		return false, fmt.Errorf("%w: node %s session %s", ErrSessionFailed, n.name, meta.Key())
	case s.delivered[upstream]:
		return false, fmt.Errorf("%w: %s -> %s", ErrDuplicateDelivery, upstream, n.name)
	}
	for _, p := range pairs {
		if _, ok := produced[p.Output]; !ok {
			s.state = StateFailed
			return false, &RoutingMissingInputError{Node: n.name, Upstream: upstream, Output: p.Output}
		}
	}
	for _, p := range pairs {
		s.inputs[p.Input] = produced[p.Output]
	}
	s.delivered[upstream] = true
	s.pending--
	s.lastActive = n.clock.Now()
	if s.pending == 0 {
		s.state = StateReady
		return true, nil
	}
	return false, nil
}

func (n *Node) sessionLocked(meta SessionMetadata) *NodeSession {
	k := meta.Key()
	s, ok := n.sessions[k]
	if !ok {
		s = newNodeSession(meta, len(n.mapping), n.clock.Now())
		n.sessions[k] = s
	}
	return s
}

// run executes the node on the inputs collected for meta.
func (n *Node) run(ctx context.Context, meta SessionMetadata) (types.TensorMap, error) {
	n.mu.Lock()
	s, ok := n.sessions[meta.Key()]
	if !ok || s.state != StateReady {
		n.mu.Unlock()
		return nil, fmt.Errorf("node %s: session %s is not ready", n.name, meta.Key())
	}
	inputs := s.inputs.Clone()
	s.running = true
	n.mu.Unlock()

	out, err := n.exec.Execute(ctx, meta, inputs)

	n.mu.Lock()
	defer n.mu.Unlock()
	s.running = false
	s.lastActive = n.clock.Now()
	if err != nil {
		s.state = StateFailed
		return nil, err
	}
	s.state = StateExecuted
	s.outputs = out
	return out, nil
}

// collected returns the inputs of a ready session.
func (n *Node) collected(meta SessionMetadata) (types.TensorMap, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[meta.Key()]
	if !ok || s.state != StateReady {
		return nil, false
	}
	return s.inputs.Clone(), true
}

// Session returns a snapshot of the state of the session for meta.
func (n *Node) Session(meta SessionMetadata) (state NodeState, pending int, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[meta.Key()]
	if !ok {
		return 0, 0, false
	}
	return s.state, s.pending, true
}

// dropSession removes the session for meta and hands executed outputs back
// to the executor.
func (n *Node) dropSession(meta SessionMetadata) {
	n.mu.Lock()
	s, ok := n.sessions[meta.Key()]
	delete(n.sessions, meta.Key())
	n.mu.Unlock()
	if ok {
		n.releaseOutputs(s)
	}
}

func (n *Node) releaseOutputs(s *NodeSession) {
	if s.outputs == nil {
		return
	}
	r, ok := n.exec.(outputReleaser)
	if !ok {
		return
	}
	if err := r.ReleaseOutputs(s.outputs); err != nil {
		n.log.Error().Err(err).Str("node", n.name).Str("library", r.Library()).Msg("pipeline event=release_outputs_failed")
	}
}

// evictIdle drops sessions idle for longer than maxIdle. Sessions whose node
// is executing are kept regardless of age.
func (n *Node) evictIdle(maxIdle time.Duration) int {
	cutoff := n.clock.Now().Add(-maxIdle)
	n.mu.Lock()
	var idle []*NodeSession
	for k, s := range n.sessions {
		if !s.running && s.lastActive.Before(cutoff) {
			idle = append(idle, s)
			delete(n.sessions, k)
		}
	}
	n.mu.Unlock()
	for _, s := range idle {
		n.releaseOutputs(s)
	}
	return len(idle)
}

// SessionCount returns the number of live sessions.
func (n *Node) SessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}
