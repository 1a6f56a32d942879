package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"servingd/internal/sequence"
	"servingd/pkg/types"
)

var errBoom = errors.New("boom")

// fakeBackend is a lightweight in-memory backend used for tests.
type fakeBackend struct {
	mu     sync.Mutex
	fail   map[int64]error
	loads  []VersionConfig
	closes int
}

func newFakeBackend() *fakeBackend { return &fakeBackend{fail: map[int64]error{}} }

func (b *fakeBackend) failVersion(v int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, v)
		return
	}
	b.fail[v] = err
}

func (b *fakeBackend) Load(ctx context.Context, cfg VersionConfig) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads = append(b.loads, cfg)
	if err := b.fail[cfg.Version]; err != nil {
		return nil, err
	}
	return &fakeSession{b: b, cfg: cfg}, nil
}

func (b *fakeBackend) loadCount(v int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.loads {
		if c.Version == v {
			n++
		}
	}
	return n
}

// lastLoad returns the config of the most recent load of version v.
func (b *fakeBackend) lastLoad(v int64) (VersionConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.loads) - 1; i >= 0; i-- {
		if b.loads[i].Version == v {
			return b.loads[i], true
		}
	}
	return VersionConfig{}, false
}

func (b *fakeBackend) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type fakeSession struct {
	b   *fakeBackend
	cfg VersionConfig
}

func (s *fakeSession) Infer(ctx context.Context, inputs, state types.TensorMap) (types.TensorMap, error) {
	out := types.TensorMap{"version": s.cfg.Version}
	if state != nil {
		n, _ := state["n"].(int)
		n++
		state["n"] = n
		out["n"] = n
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.b.mu.Lock()
	s.b.closes++
	s.b.mu.Unlock()
	return nil
}

// gatedBackend blocks loads of one version until release is closed.
type gatedBackend struct {
	*fakeBackend
	gated   int64
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend(v int64) *gatedBackend {
	return &gatedBackend{fakeBackend: newFakeBackend(), gated: v, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *gatedBackend) Load(ctx context.Context, cfg VersionConfig) (Session, error) {
	if cfg.Version == b.gated {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.fakeBackend.Load(ctx, cfg)
}

// countingSubscriber counts topology notifications.
type countingSubscriber struct {
	mu sync.Mutex
	n  int
}

func (c *countingSubscriber) OnTopologyChanged(string) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// makeRepo creates a model repository with one directory per version.
func makeRepo(t *testing.T, versions ...int64) string {
	t.Helper()
	dir := t.TempDir()
	for _, v := range versions {
		addVersionDir(t, dir, v)
	}
	return dir
}

func addVersionDir(t *testing.T, dir string, v int64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, strconv.FormatInt(v, 10)), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestModel(b Backend) *Model {
	return newModel("m", &env{backend: b, log: zerolog.Nop(), pub: noopPublisher{}, viewer: sequence.NewViewer()})
}

func newTestManager(t *testing.T, b Backend) (*Manager, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	m := NewWithConfig(ManagerConfig{Backend: b, Publisher: pub, Logger: zerolog.Nop(), WatchInterval: 10 * time.Millisecond})
	t.Cleanup(m.StopWatcher)
	return m, pub
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
