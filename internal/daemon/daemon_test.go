package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"

	"servingd/internal/httpapi"
	"servingd/internal/journal"
	"servingd/internal/manager"
	"servingd/internal/pipeline"
	"servingd/internal/sequence"
	"servingd/pkg/types"
)

const pipelineJSON = `{"name":"chain","inputs":["x"],
 "nodes":[{"name":"e","kind":"model","model_name":"echo","inputs":[{"name":"x","source":"request","output":"x"}]}],
 "outputs":[{"name":"y","source":"e","output":"model_version"}]}`

func writeConfig(t *testing.T, path, echoRepo, counterRepo, echoPolicy string, withPipeline bool) {
	t.Helper()
	pipes := "[]"
	if withPipeline {
		pipes = "[" + pipelineJSON + "," + statefulPipelineJSON + "]"
	}
	body := `{"models":[
  {"name":"echo","base_path":"` + echoRepo + `","model_version_policy":` + echoPolicy + `},
  {"name":"counter","base_path":"` + counterRepo + `","stateful":true}
 ],"pipelines":` + pipes + `}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func mkRepo(t *testing.T, versions ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, v := range versions {
		if err := os.MkdirAll(filepath.Join(dir, v), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return dir
}

func newTestDaemon(t *testing.T) (*Daemon, string, string, string) {
	t.Helper()
	echo, counter := mkRepo(t, "1", "2"), mkRepo(t, "1")
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, cfgPath, echo, counter, `{"kind":"all"}`, true)
	j, err := journal.Open(journal.Config{})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	d := New(Config{
		ConfigPath: cfgPath,
		Manager:    manager.ManagerConfig{WatchInterval: time.Hour},
		Journal:    j,
		Clock:      clock.NewMock(),
	})
	return d, cfgPath, echo, counter
}

func TestDaemon_ServesModelsAndPipelines(t *testing.T) {
	d, _, _, _ := newTestDaemon(t)
	ctx := context.Background()
	if d.Ready() {
		t.Fatalf("ready before start")
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)
	if !d.Ready() {
		t.Fatalf("not ready after start")
	}
	if got := len(d.Models()); got != 2 {
		t.Fatalf("models=%d", got)
	}
	st, err := d.Model("echo")
	if err != nil || st.DefaultVersion != 2 || len(st.Versions) != 2 {
		t.Fatalf("echo status=%+v err=%v", st, err)
	}

	resp, err := d.InferModel(ctx, "echo", httpapi.InferCall{Inputs: types.TensorMap{"x": 1}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.Version != 2 || resp.Outputs["model_version"] != int64(2) {
		t.Fatalf("resp=%+v", resp)
	}
	resp, err = d.InferModel(ctx, "echo", httpapi.InferCall{Inputs: types.TensorMap{}, Version: 1})
	if err != nil || resp.Version != 1 {
		t.Fatalf("pinned infer: %+v %v", resp, err)
	}
	if _, err := d.InferModel(ctx, "nope", httpapi.InferCall{}); !manager.IsModelNotFound(err) {
		t.Fatalf("unknown model err=%v", err)
	}

	presp, err := d.InferPipeline(ctx, "chain", httpapi.InferCall{Inputs: types.TensorMap{"x": "a"}, RequestID: "r1"})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if presp.Pipeline != "chain" || presp.Outputs["y"] != int64(2) {
		t.Fatalf("pipeline resp=%+v", presp)
	}
	if ps := d.Pipelines(); len(ps) != 2 || !ps[0].Available || !ps[1].Available {
		t.Fatalf("pipelines=%+v", ps)
	}

	evs, err := d.History("echo", 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var loaded bool
	for _, ev := range evs {
		loaded = loaded || ev.Name == manager.EventVersionLoaded
	}
	if !loaded {
		t.Fatalf("history=%+v", evs)
	}
	if exts := d.Extensions(); len(exts) != 0 {
		t.Fatalf("extensions=%+v", exts)
	}
}

func TestDaemon_StatefulSequence(t *testing.T) {
	d, _, _, _ := newTestDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)

	resp, err := d.InferModel(ctx, "counter", httpapi.InferCall{Inputs: types.TensorMap{}, Sequence: sequence.Request{Control: sequence.Start}})
	if err != nil || resp.SequenceID == 0 {
		t.Fatalf("start sequence: %+v %v", resp, err)
	}
	id := resp.SequenceID
	resp, err = d.InferModel(ctx, "counter", httpapi.InferCall{Inputs: types.TensorMap{}, Sequence: sequence.Request{ID: id}})
	if err != nil || resp.Outputs["sequence_step"] != int64(2) {
		t.Fatalf("continue sequence: %+v %v", resp, err)
	}
	ids, err := d.Sequences("counter", 0)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("sequences=%v err=%v", ids, err)
	}
	if _, err := d.InferModel(ctx, "counter", httpapi.InferCall{Sequence: sequence.Request{ID: id, Control: sequence.End}}); err != nil {
		t.Fatalf("end sequence: %v", err)
	}
	_, err = d.InferModel(ctx, "counter", httpapi.InferCall{Sequence: sequence.Request{ID: id}})
	if !errors.Is(err, sequence.ErrSequenceIDMissing) {
		t.Fatalf("ended sequence err=%v", err)
	}
}

func TestDaemon_PipelineSequenceNeedsClientID(t *testing.T) {
	d, _, _, _ := newTestDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)

	call := func(id uint64, ctl sequence.Control) (types.InferResponse, error) {
		return d.InferPipeline(ctx, "steps", httpapi.InferCall{
			Inputs:   types.TensorMap{"x": 1},
			Sequence: sequence.Request{ID: id, Control: ctl},
		})
	}
	if _, err := call(0, sequence.Start); !errors.Is(err, sequence.ErrSequenceIDMissing) {
		t.Fatalf("start without id err=%v", err)
	}
	if ids, _ := d.Sequences("counter", 0); len(ids) != 0 {
		t.Fatalf("orphaned sequences=%v", ids)
	}

	resp, err := call(42, sequence.Start)
	if err != nil || resp.SequenceID != 42 || resp.Outputs["step"] != int64(1) {
		t.Fatalf("start: %+v %v", resp, err)
	}
	resp, err = call(42, sequence.NoControl)
	if err != nil || resp.SequenceID != 42 || resp.Outputs["step"] != int64(2) {
		t.Fatalf("continue: %+v %v", resp, err)
	}
	if _, err := call(42, sequence.End); err != nil {
		t.Fatalf("end: %v", err)
	}
	if ids, _ := d.Sequences("counter", 0); len(ids) != 0 {
		t.Fatalf("sequences after end=%v", ids)
	}
}

func TestDaemon_ReloadConfig(t *testing.T) {
	d, cfgPath, echo, counter := newTestDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop(ctx)

	writeConfig(t, cfgPath, echo, counter, `{"kind":"specific","versions":[1]}`, false)
	if err := d.ReloadConfig(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	st, _ := d.Model("echo")
	if st.DefaultVersion != 1 {
		t.Fatalf("default=%d", st.DefaultVersion)
	}
	if _, err := d.InferPipeline(ctx, "chain", httpapi.InferCall{Inputs: types.TensorMap{"x": 1}}); !errors.Is(err, pipeline.ErrPipelineNotFound) {
		t.Fatalf("removed pipeline err=%v", err)
	}
	if n := len(d.Pipelines()); n != 0 {
		t.Fatalf("pipelines=%d", n)
	}
}

func TestDaemon_StartFailsOnBrokenConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := New(Config{ConfigPath: cfgPath})
	if err := d.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if d.Ready() {
		t.Fatalf("ready after failed start")
	}
}

func TestDaemon_HistoryWithoutJournal(t *testing.T) {
	d := New(Config{})
	evs, err := d.History("echo", 1, 0)
	if err != nil || evs != nil {
		t.Fatalf("history=%v err=%v", evs, err)
	}
}

func TestDaemon_SweepersFollowConfig(t *testing.T) {
	d := New(Config{SessionIdleTimeout: -1, SequenceCleanerInterval: -1})
	names := map[string]bool{}
	for _, s := range d.sweepers {
		names[s.Name()] = true
	}
	if names["sessions"] || names["journal-gc"] || !names["resources"] || !names["sequences"] {
		t.Fatalf("sweepers=%v", names)
	}
}
