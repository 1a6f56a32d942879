package manager

import (
	"context"
	"sync"
	"sync/atomic"

	"servingd/pkg/types"
)

// Handle is a reference-counted native session. The owning instance holds one
// reference; every in-flight request holds another. The session is closed when
// the last reference is released, so a reload can install a new handle while
// requests that captured the old one finish on it.
type Handle struct {
	session Session
	refs    atomic.Int64

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newHandle(s Session) *Handle {
	h := &Handle{session: s, closed: make(chan struct{})}
	h.refs.Store(1)
	return h
}

// retain adds a reference unless the handle is already being closed.
func (h *Handle) retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference.
func (h *Handle) Release() {
	if h.refs.Add(-1) == 0 {
		h.closeOnce.Do(func() {
			h.closeErr = h.session.Close()
			close(h.closed)
		})
	}
}

// Infer runs inference on the underlying session.
func (h *Handle) Infer(ctx context.Context, inputs, state types.TensorMap) (types.TensorMap, error) {
	return h.session.Infer(ctx, inputs, state)
}

// Closed is closed once the native session has been released.
func (h *Handle) Closed() <-chan struct{} { return h.closed }

// Refs returns the current reference count.
func (h *Handle) Refs() int64 { return h.refs.Load() }
