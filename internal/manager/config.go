package manager

import (
	"time"

	"github.com/rs/zerolog"

	"servingd/internal/extension"
	"servingd/internal/sequence"
	"servingd/internal/storage"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultWatchInterval        = time.Second
	defaultReconcileConcurrency = 4
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Backend   Backend
	Storage   *storage.Resolver
	Logger    zerolog.Logger
	Publisher EventPublisher
	// Extensions receives the custom node libraries named in the config.
	Extensions *extension.Registry
	// Sequences tracks the sequence managers of stateful versions.
	Sequences *sequence.Viewer

	// WatchInterval is how often the config watcher polls the config file.
	WatchInterval time.Duration
	// ReconcileConcurrency bounds how many models reconcile in parallel.
	ReconcileConcurrency int
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = defaultReconcileConcurrency
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Backend == nil {
		cfg.Backend = IdentityBackend{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &storage.Resolver{Local: storage.NewLocal(cfg.Logger)}
	}
	if cfg.Extensions == nil {
		cfg.Extensions = extension.NewRegistry(nil, cfg.Logger)
	}
	if cfg.Sequences == nil {
		cfg.Sequences = sequence.NewViewer()
	}
	return &Manager{
		cfg: cfg,
		env: &env{
			backend: cfg.Backend,
			log:     cfg.Logger,
			pub:     cfg.Publisher,
			viewer:  cfg.Sequences,
		},
		models:    make(map[string]*Model),
		applied:   make(map[string]bool),
		resources: make(map[Resource]struct{}),
	}
}
