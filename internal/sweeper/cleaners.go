package sweeper

import (
	"runtime/debug"
	"time"

	"servingd/internal/sequence"
)

// SequenceCleaner evicts idle sequences of every stateful model version and
// returns freed memory to the OS when anything was evicted.
type SequenceCleaner struct {
	Viewer *sequence.Viewer
	// FreeMemory is called after a round that evicted sequences. Nil means
	// debug.FreeOSMemory.
	FreeMemory func()
}

func (c SequenceCleaner) Cleanup() int {
	n := c.Viewer.RemoveIdleSequences()
	if n > 0 {
		free := c.FreeMemory
		if free == nil {
			free = debug.FreeOSMemory
		}
		free()
	}
	return n
}

// ResourceReleaser is implemented by the model manager.
type ResourceReleaser interface {
	CleanupResources() int
}

// ResourceCleaner releases shared resources nothing uses anymore.
type ResourceCleaner struct {
	Resources ResourceReleaser
}

func (c ResourceCleaner) Cleanup() int { return c.Resources.CleanupResources() }

// SessionEvictor is implemented by the pipeline factory.
type SessionEvictor interface {
	EvictIdleSessions(maxIdle time.Duration) int
}

// SessionCleaner drops pipeline node sessions idle for longer than MaxIdle.
type SessionCleaner struct {
	Sessions SessionEvictor
	MaxIdle  time.Duration
}

func (c SessionCleaner) Cleanup() int { return c.Sessions.EvictIdleSessions(c.MaxIdle) }
