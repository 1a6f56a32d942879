// Package daemon wires the model manager, pipeline factory, event journal
// and background sweepers into the service behind the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"

	"servingd/internal/httpapi"
	"servingd/internal/journal"
	"servingd/internal/manager"
	"servingd/internal/pipeline"
	"servingd/internal/sweeper"
	"servingd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultSequenceCleanerInterval = 5 * time.Minute
	DefaultResourceCleanerInterval = time.Second
	DefaultSessionIdleTimeout      = 5 * time.Minute
	DefaultJournalGCInterval       = 10 * time.Minute
)

// Config configures a Daemon. Negative intervals disable the sweeper. Logger
// replaces Manager.Logger.
type Config struct {
	// ConfigPath is the model configuration file.
	ConfigPath string
	Manager    manager.ManagerConfig
	// Journal records version lifecycle events when set. The caller owns it.
	Journal *journal.Journal

	SequenceCleanerInterval time.Duration
	ResourceCleanerInterval time.Duration
	SessionIdleTimeout      time.Duration
	JournalGCInterval       time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Daemon implements httpapi.Service.
type Daemon struct {
	cfg       Config
	mgr       *manager.Manager
	pipelines *pipeline.Factory
	sweepers  sweeper.Group
}

var _ httpapi.Service = (*Daemon)(nil)

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return def
	default:
		return d
	}
}

func New(cfg Config) *Daemon {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.SequenceCleanerInterval = orDefault(cfg.SequenceCleanerInterval, DefaultSequenceCleanerInterval)
	cfg.ResourceCleanerInterval = orDefault(cfg.ResourceCleanerInterval, DefaultResourceCleanerInterval)
	cfg.SessionIdleTimeout = orDefault(cfg.SessionIdleTimeout, DefaultSessionIdleTimeout)
	cfg.JournalGCInterval = orDefault(cfg.JournalGCInterval, DefaultJournalGCInterval)
	if cfg.Journal != nil {
		cfg.Manager.Publisher = manager.FanOut{cfg.Manager.Publisher, cfg.Journal}
	}
	cfg.Manager.Logger = cfg.Logger

	mgr := manager.NewWithConfig(cfg.Manager)
	factory := pipeline.NewFactory(pipeline.Deps{
		Models:    mgr,
		Libraries: mgr.Extensions(),
		Logger:    cfg.Logger,
		Clock:     cfg.Clock,
	})
	mgr.AddReloadListener(factory)

	sw := func(name string, every time.Duration, c sweeper.Cleaner) *sweeper.Sweeper {
		return sweeper.New(sweeper.Config{Name: name, Interval: every, Clock: cfg.Clock, Logger: cfg.Logger}, c)
	}
	d := &Daemon{cfg: cfg, mgr: mgr, pipelines: factory}
	d.sweepers = sweeper.Group{
		sw("sequences", cfg.SequenceCleanerInterval, sweeper.SequenceCleaner{Viewer: mgr.Sequences()}),
		sw("resources", cfg.ResourceCleanerInterval, sweeper.ResourceCleaner{Resources: mgr}),
	}
	if cfg.SessionIdleTimeout > 0 {
		d.sweepers = append(d.sweepers, sw("sessions", cfg.SessionIdleTimeout/2,
			sweeper.SessionCleaner{Sessions: factory, MaxIdle: cfg.SessionIdleTimeout}))
	}
	if cfg.Journal != nil {
		d.sweepers = append(d.sweepers, sw("journal-gc", cfg.JournalGCInterval, sweeper.CleanerFunc(cfg.Journal.CollectGarbage)))
	}
	return d
}

func (d *Daemon) Manager() *manager.Manager { return d.mgr }

func (d *Daemon) Factory() *pipeline.Factory { return d.pipelines }

// Start applies the configuration file, then starts the config watcher and
// the sweepers. A configuration that cannot be read or parsed is fatal;
// models or pipelines that fail to load are logged and retried by later
// reconciliations.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.mgr.LoadConfig(ctx, d.cfg.ConfigPath); err != nil {
		if !d.mgr.Ready() {
			return err
		}
		d.cfg.Logger.Warn().Err(err).Msg("daemon event=initial_config_partial")
	}
	if err := d.mgr.StartWatcher(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	d.sweepers.Start(ctx)
	d.cfg.Logger.Info().Str("config", d.cfg.ConfigPath).Int("sweepers", len(d.sweepers)).Msg("daemon event=started")
	return nil
}

// Stop stops the sweepers and shuts the manager down; in-flight requests keep
// their model handles until they finish.
func (d *Daemon) Stop(ctx context.Context) error {
	d.sweepers.Stop()
	err := d.mgr.Shutdown(ctx)
	d.mgr.CleanupResources()
	d.cfg.Logger.Info().Err(err).Msg("daemon event=stopped")
	return err
}

func (d *Daemon) Ready() bool { return d.mgr.Ready() }

func (d *Daemon) Models() []types.ModelStatus { return d.mgr.ModelStatuses() }

func (d *Daemon) Model(name string) (types.ModelStatus, error) { return d.mgr.ModelStatus(name) }

// History returns journaled events; without a journal it is always empty.
func (d *Daemon) History(name string, version int64, limit int) ([]types.VersionEvent, error) {
	if d.cfg.Journal == nil {
		return nil, nil
	}
	return d.cfg.Journal.History(name, version, limit)
}

func (d *Daemon) Sequences(name string, version int64) ([]uint64, error) {
	return d.mgr.SequenceIDs(name, version)
}

func (d *Daemon) Extensions() []types.Extension {
	libs := d.mgr.Extensions().Libraries()
	out := make([]types.Extension, 0, len(libs))
	for _, l := range libs {
		out = append(out, types.Extension{Name: l.Name, Path: l.Path, LoadedUnix: l.LoadedAt.Unix()})
	}
	return out
}

func (d *Daemon) Pipelines() []types.PipelineStatus { return d.pipelines.Statuses() }

func (d *Daemon) InferModel(ctx context.Context, name string, call httpapi.InferCall) (types.InferResponse, error) {
	inst, err := d.mgr.Instance(name, call.Version)
	if err != nil {
		return types.InferResponse{}, err
	}
	out, seqID, err := inst.Infer(ctx, call.Inputs, call.Sequence)
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{Model: name, Version: inst.Version(), Outputs: out, SequenceID: seqID}, nil
}

func (d *Daemon) InferPipeline(ctx context.Context, name string, call httpapi.InferCall) (types.InferResponse, error) {
	meta := pipeline.SessionMetadata{
		RequestID:       call.RequestID,
		SequenceID:      call.Sequence.ID,
		SequenceControl: call.Sequence.Control,
	}
	out, err := d.pipelines.Execute(ctx, name, meta, call.Inputs)
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{Pipeline: name, Outputs: out, SequenceID: meta.SequenceID}, nil
}

func (d *Daemon) ReloadConfig(ctx context.Context) error { return d.mgr.ReloadConfig(ctx) }
