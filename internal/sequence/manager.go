package sequence

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

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultMaxSequences = 500
)

// Config holds the limits of one stateful model version.
type Config struct {
	Timeout      time.Duration
	MaxSequences int
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// Sequence is the server-side state of one client sequence.
type Sequence struct {
	id uint64

	// mu serializes requests on the sequence.
	mu         sync.Mutex
	state      types.TensorMap
	lastActive time.Time
	inFlight   int
	terminated bool
}

// Manager owns the sequences of one stateful model version.
type Manager struct {
	model   string
	version int64
	cfg     Config

	mu     sync.Mutex
	seqs   map[uint64]*Sequence
	nextID uint64
}

func NewManager(model string, version int64, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSequences <= 0 {
		cfg.MaxSequences = DefaultMaxSequences
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		model:   model,
		version: version,
		cfg:     cfg,
		seqs:    make(map[uint64]*Sequence),
		nextID:  1,
	}
}

func (m *Manager) Model() string  { return m.model }
func (m *Manager) Version() int64 { return m.version }

// Process runs fn inside the sequence selected by req and returns the id of
// that sequence. START creates the sequence (assigning an id when req.ID is
// 0); END removes it after fn ran. fn receives the sequence state and may
// mutate it.
func (m *Manager) Process(ctx context.Context, req Request, fn func(state types.TensorMap) error) (uint64, error) {
	seq, err := m.enter(req)
	if err != nil {
		return 0, err
	}
	defer m.leave(seq, req.Control == End)

	seq.mu.Lock()
	defer seq.mu.Unlock()
	if seq.terminated {
		return 0, fmt.Errorf("%w: %d", ErrSequenceTerminated, seq.id)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if seq.state == nil {
		seq.state = types.TensorMap{}
	}
	err = fn(seq.state)
	seq.lastActive = m.cfg.Clock.Now()
	if req.Control == End {
		seq.terminated = true
	}
	return seq.id, err
}

func (m *Manager) enter(req Request) (*Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch req.Control {
	case Start:
		id := req.ID
		if id == 0 {
			id = m.generateID()
		} else if _, ok := m.seqs[id]; ok {
			return nil, fmt.Errorf("%w: %d", ErrSequenceAlreadyExists, id)
		}
		if len(m.seqs) >= m.cfg.MaxSequences {
			return nil, ErrMaxSequencesReached
		}
		seq := &Sequence{id: id, lastActive: m.cfg.Clock.Now()}
		m.seqs[id] = seq
		seq.inFlight++
		m.cfg.Logger.Debug().Str("model", m.model).Int64("version", m.version).Uint64("sequence_id", id).Msg("sequence event=start")
		return seq, nil
	case NoControl, End:
		if req.ID == 0 {
			return nil, ErrSequenceIDMissing
		}
		seq, ok := m.seqs[req.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrSequenceMissing, req.ID)
		}
		seq.inFlight++
		return seq, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSequenceControl, uint32(req.Control))
	}
}

func (m *Manager) leave(seq *Sequence, end bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq.inFlight--
	if end && m.seqs[seq.id] == seq {
		delete(m.seqs, seq.id)
		m.cfg.Logger.Debug().Str("model", m.model).Int64("version", m.version).Uint64("sequence_id", seq.id).Msg("sequence event=end")
	}
}

// generateID returns an id not used by any live sequence. Called with m.mu held.
func (m *Manager) generateID() uint64 {
	for {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, ok := m.seqs[id]; !ok {
			return id
		}
	}
}

// RemoveIdle drops sequences that have not been used for longer than the
// configured timeout and have no request in flight. It returns how many were
// removed.
func (m *Manager) RemoveIdle() int {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, seq := range m.seqs {
		if seq.inFlight > 0 {
			continue
		}
		seq.mu.Lock()
		idle := now.Sub(seq.lastActive) > m.cfg.Timeout
		if idle {
			seq.terminated = true
		}
		seq.mu.Unlock()
		if idle {
			delete(m.seqs, id)
			removed++
		}
	}
	if removed > 0 {
		m.cfg.Logger.Info().Str("model", m.model).Int64("version", m.version).Int("removed", removed).Msg("sequence event=idle_removed")
	}
	return removed
}

// Clear drops every sequence, e.g. when the version is reloaded or retired.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, seq := range m.seqs {
		seq.mu.Lock()
		seq.terminated = true
		seq.mu.Unlock()
		delete(m.seqs, id)
	}
}

// IDs returns the ids of live sequences in ascending order.
func (m *Manager) IDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.seqs))
	for id := range m.seqs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seqs)
}
