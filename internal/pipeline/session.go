package pipeline

import (
	"strconv"
	"time"

	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// SessionMetadata identifies one logical request flowing through a pipeline.
// RequestID comes from the caller and only labels logs and responses.
type SessionMetadata struct {
	RequestID string
	// SequenceID and SequenceControl are forwarded to stateful model nodes.
	SequenceID      uint64
	SequenceControl sequence.Control

	// session is assigned by Pipeline.Execute for every call.
	session string
}

// Key is the map key of the node sessions that belong to this request.
// Metadata that did not pass through Execute falls back to RequestID.
func (m SessionMetadata) Key() string {
	k := m.session
	if k == "" {
		k = m.RequestID
	}
	if m.SequenceID == 0 {
		return k
	}
	return k + "/" + strconv.FormatUint(m.SequenceID, 10)
}

// NodeState is the state of one node session.
type NodeState int

const (
	StateWaiting NodeState = iota
	StateReady
	StateExecuted
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateReady:
		return "READY"
	case StateExecuted:
		return "EXECUTED"
	case StateFailed:
		return "FAILED"
	default:
		return "NodeState(" + strconv.Itoa(int(s)) + ")"
	}
}

// NodeSession is the state of one node for one session: the inputs routed
// to it so far and how many upstream nodes still have to deliver.
type NodeSession struct {
	meta       SessionMetadata
	inputs     types.TensorMap
	outputs    types.TensorMap
	delivered  map[string]bool
	pending    int
	state      NodeState
	running    bool
	lastActive time.Time
}

func newNodeSession(meta SessionMetadata, deps int, now time.Time) *NodeSession {
	st := StateWaiting
	if deps == 0 {
		st = StateReady
	}
	return &NodeSession{
		meta:       meta,
		inputs:     make(types.TensorMap),
		delivered:  make(map[string]bool, deps),
		pending:    deps,
		state:      st,
		lastActive: now,
	}
}
