package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddVersions_DefaultFollowsHighestAvailable(t *testing.T) {
	b := newFakeBackend()
	m := newTestModel(b)
	tmpl := VersionConfig{BasePath: "/models/m", LocalPath: "/models/m"}
	if err := m.AddVersions(context.Background(), []int64{2, 1}, tmpl); err != nil {
		t.Fatalf("AddVersions: %v", err)
	}
	if m.DefaultVersion() != 2 {
		t.Fatalf("expected default 2, got %d", m.DefaultVersion())
	}

	b.failVersion(2, errBoom)
	if err := m.ReloadVersions(context.Background(), []int64{2}, tmpl); !errors.Is(err, errBoom) {
		t.Fatalf("expected reload failure, got %v", err)
	}
	st, _ := m.statusOf(2)
	if st.State != StateEnd || st.Err == "" {
		t.Fatalf("expected version 2 in END with error, got %+v", st)
	}
	if m.DefaultVersion() != 1 {
		t.Fatalf("expected default to fall back to 1, got %d", m.DefaultVersion())
	}
}

func TestAddVersions_FailuresStayRegisteredAndLastErrorWins(t *testing.T) {
	b := newFakeBackend()
	errOne, errThree := errors.New("one"), errors.New("three")
	b.failVersion(1, errOne)
	b.failVersion(3, errThree)
	m := newTestModel(b)
	err := m.AddVersions(context.Background(), []int64{3, 2, 1}, VersionConfig{})
	if !errors.Is(err, errThree) || errors.Is(err, errOne) {
		t.Fatalf("expected the last failure (version 3), got %v", err)
	}
	sts := m.VersionStatuses()
	if len(sts) != 3 {
		t.Fatalf("expected all versions registered, got %+v", sts)
	}
	want := map[int64]State{1: StateEnd, 2: StateAvailable, 3: StateEnd}
	for _, st := range sts {
		if st.State != want[st.Version] {
			t.Fatalf("version %d: state %s want %s", st.Version, st.State, want[st.Version])
		}
	}
	if m.DefaultVersion() != 2 {
		t.Fatalf("expected default 2, got %d", m.DefaultVersion())
	}
}

func TestAddVersions_DuplicateIsReported(t *testing.T) {
	m := newTestModel(newFakeBackend())
	_ = m.AddVersions(context.Background(), []int64{1}, VersionConfig{})
	if err := m.AddVersions(context.Background(), []int64{1}, VersionConfig{}); err == nil {
		t.Fatalf("expected error adding a registered version")
	}
}

func TestRetireVersions_UnknownReportedOthersContinue(t *testing.T) {
	b := newFakeBackend()
	m := newTestModel(b)
	_ = m.AddVersions(context.Background(), []int64{1, 2}, VersionConfig{})
	err := m.RetireVersions([]int64{7, 2})
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	st, ok := m.statusOf(2)
	if !ok || st.State != StateEnd {
		t.Fatalf("expected version 2 retired and still registered, got %+v ok=%v", st, ok)
	}
	if m.DefaultVersion() != 1 {
		t.Fatalf("expected default 1, got %d", m.DefaultVersion())
	}
	if b.closeCount() != 1 {
		t.Fatalf("expected one session closed, got %d", b.closeCount())
	}
}

func TestRetireVersions_RemovesLocalCopyOfRemoteVersion(t *testing.T) {
	dir := makeRepo(t, 1)
	m := newTestModel(newFakeBackend())
	tmpl := VersionConfig{BasePath: "s3://bucket/m", LocalPath: dir, Remote: true}
	if err := m.AddVersions(context.Background(), []int64{1}, tmpl); err != nil {
		t.Fatalf("AddVersions: %v", err)
	}
	if err := m.RetireVersions([]int64{1}); err != nil {
		t.Fatalf("RetireVersions: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1")); !os.IsNotExist(err) {
		t.Fatalf("expected local copy removed, stat err=%v", err)
	}
}

func TestAddVersions_FailedRemoteVersionCleansUp(t *testing.T) {
	dir := makeRepo(t, 1)
	b := newFakeBackend()
	b.failVersion(1, errBoom)
	m := newTestModel(b)
	_ = m.AddVersions(context.Background(), []int64{1}, VersionConfig{LocalPath: dir, Remote: true})
	if _, err := os.Stat(filepath.Join(dir, "1")); !os.IsNotExist(err) {
		t.Fatalf("expected local copy removed after failed load, stat err=%v", err)
	}
}

func TestReloadVersions_LocalPathReuse(t *testing.T) {
	b := newFakeBackend()
	m := newTestModel(b)
	ctx := context.Background()
	_ = m.AddVersions(ctx, []int64{1}, VersionConfig{BasePath: "s3://b/m", LocalPath: "/tmp/a"})

	_ = m.ReloadVersions(ctx, []int64{1}, VersionConfig{BasePath: "s3://b/m", LocalPath: "/tmp/b"})
	if cfg, _ := b.lastLoad(1); cfg.LocalPath != "/tmp/a" {
		t.Fatalf("expected previous local path reused, got %q", cfg.LocalPath)
	}

	_ = m.ReloadVersions(ctx, []int64{1}, VersionConfig{BasePath: "s3://b/other", LocalPath: "/tmp/c"})
	if cfg, _ := b.lastLoad(1); cfg.LocalPath != "/tmp/c" {
		t.Fatalf("expected new local path after base path change, got %q", cfg.LocalPath)
	}

	b.failVersion(1, errBoom)
	_ = m.ReloadVersions(ctx, []int64{1}, VersionConfig{BasePath: "s3://b/other", LocalPath: "/tmp/c"})
	b.failVersion(1, nil)
	_ = m.ReloadVersions(ctx, []int64{1}, VersionConfig{BasePath: "s3://b/other", LocalPath: "/tmp/d"})
	if cfg, _ := b.lastLoad(1); cfg.LocalPath != "/tmp/d" {
		t.Fatalf("expected fresh local path for an ended version, got %q", cfg.LocalPath)
	}
	if st, _ := m.statusOf(1); st.State != StateAvailable || st.Err != "" {
		t.Fatalf("expected version 1 available again, got %+v", st)
	}
}

func TestReloadVersions_UnknownVersion(t *testing.T) {
	m := newTestModel(newFakeBackend())
	if err := m.ReloadVersions(context.Background(), []int64{4}, VersionConfig{}); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestApply_NotifiesSubscribersOncePerCall(t *testing.T) {
	m := newTestModel(newFakeBackend())
	sub := &countingSubscriber{}
	m.Subscribe(sub)
	ctx := context.Background()
	if err := m.Apply(ctx, VersionChanges{ToStart: []int64{1, 2}}, VersionConfig{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("expected one notification, got %d", sub.count())
	}
	if err := m.Apply(ctx, VersionChanges{ToStart: []int64{3}, ToRetire: []int64{1, 2}}, VersionConfig{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sub.count() != 2 {
		t.Fatalf("expected two notifications, got %d", sub.count())
	}
	if m.DefaultVersion() != 3 {
		t.Fatalf("expected default 3, got %d", m.DefaultVersion())
	}
}

func TestApply_StagesAreBestEffort(t *testing.T) {
	b := newFakeBackend()
	m := newTestModel(b)
	ctx := context.Background()
	_ = m.AddVersions(ctx, []int64{1}, VersionConfig{})
	b.failVersion(2, errBoom)
	err := m.Apply(ctx, VersionChanges{ToStart: []int64{2}, ToRetire: []int64{1}}, VersionConfig{})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected start failure in joined error, got %v", err)
	}
	if st, _ := m.statusOf(1); st.State != StateEnd {
		t.Fatalf("retire must run after a failed start, got %+v", st)
	}
	if _, err := m.DefaultInstance(); !errors.Is(err, ErrNoDefaultVersion) || !IsModelUnavailable(err) {
		t.Fatalf("expected no default version, got %v", err)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	m := newTestModel(newFakeBackend())
	sub := &countingSubscriber{}
	m.Subscribe(sub)
	if !m.IsSubscribed(sub) {
		t.Fatalf("expected subscribed")
	}
	m.Unsubscribe(sub)
	if m.IsSubscribed(sub) {
		t.Fatalf("expected unsubscribed")
	}
	_ = m.AddVersions(context.Background(), []int64{1}, VersionConfig{})
	if sub.count() != 0 {
		t.Fatalf("unsubscribed subscriber was notified")
	}
}

func TestRetireAll(t *testing.T) {
	m := newTestModel(newFakeBackend())
	_ = m.AddVersions(context.Background(), []int64{1, 2}, VersionConfig{})
	m.RetireAll()
	for _, st := range m.VersionStatuses() {
		if st.State != StateEnd {
			t.Fatalf("version %d not retired: %s", st.Version, st.State)
		}
	}
	if m.DefaultVersion() != 0 {
		t.Fatalf("expected no default, got %d", m.DefaultVersion())
	}
}

func TestAddVersions_ReadsDoNotWaitForLoad(t *testing.T) {
	b := newGatedBackend(2)
	m := newTestModel(b)
	ctx := context.Background()
	if err := m.AddVersions(ctx, []int64{1}, VersionConfig{}); err != nil {
		t.Fatalf("AddVersions(1): %v", err)
	}

	added := make(chan error, 1)
	go func() { added <- m.AddVersions(ctx, []int64{2}, VersionConfig{}) }()
	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("load of version 2 never started")
	}

	reads := make(chan string, 1)
	go func() {
		if inst, err := m.InstanceByVersion(1); err != nil || inst.Status().State != StateAvailable {
			reads <- "version 1 unreadable"
			return
		}
		if inst, err := m.DefaultInstance(); err != nil || inst.Version() != 1 {
			reads <- "default is not version 1"
			return
		}
		if inst, err := m.InstanceByVersion(2); err != nil || inst.Status().State != StateLoading {
			reads <- "version 2 is not registered as LOADING"
			return
		}
		if len(m.VersionStatuses()) != 2 {
			reads <- "statuses do not list both versions"
			return
		}
		reads <- ""
	}()
	select {
	case msg := <-reads:
		if msg != "" {
			close(b.release)
			t.Fatalf("while version 2 loads: %s", msg)
		}
	case <-time.After(2 * time.Second):
		close(b.release)
		t.Fatalf("reads blocked while version 2 was loading")
	}

	close(b.release)
	if err := <-added; err != nil {
		t.Fatalf("AddVersions(2): %v", err)
	}
	if m.DefaultVersion() != 2 {
		t.Fatalf("expected default 2 after load, got %d", m.DefaultVersion())
	}
}
