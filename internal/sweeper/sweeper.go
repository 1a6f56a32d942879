// Package sweeper runs periodic cleanup tasks: idle sequence eviction,
// release of shared resources and eviction of stale pipeline sessions.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"
)

// Cleaner does one round of cleanup and returns how many items it removed.
type Cleaner interface {
	Cleanup() int
}

// CleanerFunc adapts a function to Cleaner.
type CleanerFunc func() int

func (f CleanerFunc) Cleanup() int { return f() }

// Config configures a Sweeper. An Interval of zero disables it.
type Config struct {
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Sweeper calls a Cleaner every Interval until stopped.
type Sweeper struct {
	cfg     Config
	cleaner Cleaner

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, c Cleaner) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Name == "" {
		cfg.Name = "sweeper"
	}
	return &Sweeper{cfg: cfg, cleaner: c}
}

func (s *Sweeper) Name() string { return s.cfg.Name }

// Start launches the background loop. Calling Start on a running or
// disabled sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.cfg.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	// The ticker is created before the goroutine so ticks issued right after
	// Start are not lost.
	t := s.cfg.Clock.Ticker(s.cfg.Interval)
	go s.loop(ctx, t, s.done)
	s.cfg.Logger.Debug().Str("sweeper", s.cfg.Name).Dur("interval", s.cfg.Interval).Msg("sweeper event=started")
}

// Stop cancels the loop and waits for a running cleanup to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.cfg.Logger.Debug().Str("sweeper", s.cfg.Name).Msg("sweeper event=stopped")
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *Sweeper) loop(ctx context.Context, t *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup round synchronously.
func (s *Sweeper) RunOnce() int {
	n := s.cleaner.Cleanup()
	runs.WithLabelValues(s.cfg.Name).Inc()
	if n > 0 {
		cleaned.WithLabelValues(s.cfg.Name).Add(float64(n))
		s.cfg.Logger.Debug().Str("sweeper", s.cfg.Name).Int("removed", n).Msg("sweeper event=cleaned")
	}
	return n
}

// Group starts and stops several sweepers together.
type Group []*Sweeper

func (g Group) Start(ctx context.Context) {
	for _, s := range g {
		s.Start(ctx)
	}
}

func (g Group) Stop() {
	for _, s := range g {
		s.Stop()
	}
}
