package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"servingd/internal/config"
)

// StartWatcher starts the config watcher for the file passed to LoadConfig.
// It polls the file's modification marker every WatchInterval; filesystem
// notifications only wake it early. Starting a running watcher is a no-op.
func (m *Manager) StartWatcher(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watchCancel != nil {
		return nil
	}
	m.mu.RLock()
	path := m.configPath
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("start watcher: no config loaded")
	}

	// Watch the directory: editors and config management replace files by rename.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.env.log.Warn().Err(err).Msg("manager event=fsnotify_unavailable")
		w = nil
	} else if err := w.Add(filepath.Dir(path)); err != nil {
		m.env.log.Warn().Err(err).Str("dir", filepath.Dir(path)).Msg("manager event=fsnotify_unavailable")
		w.Close()
		w = nil
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.watchCancel, m.watchDone = cancel, done
	go m.watch(wctx, filepath.Clean(path), w, done)
	m.env.log.Info().Str("path", path).Dur("interval", m.cfg.WatchInterval).Msg("manager event=watcher_started")
	return nil
}

// StopWatcher stops the watcher and waits for it to exit. A config apply in
// progress finishes first.
func (m *Manager) StopWatcher() {
	m.watchMu.Lock()
	cancel, done := m.watchCancel, m.watchDone
	m.watchCancel, m.watchDone = nil, nil
	m.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.env.log.Info().Msg("manager event=watcher_stopped")
}

// WatcherRunning reports whether the config watcher is running.
func (m *Manager) WatcherRunning() bool {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return m.watchCancel != nil
}

func (m *Manager) watch(ctx context.Context, path string, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w != nil {
		defer w.Close()
		events, errs = w.Events, w.Errors
	}
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.env.log.Warn().Err(err).Msg("manager event=fsnotify_error")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.checkConfig(context.WithoutCancel(ctx), path)
	}
}

// checkConfig reloads the configuration when its modification marker moved.
func (m *Manager) checkConfig(ctx context.Context, path string) {
	marker, err := config.ModificationMarker(path)
	if err != nil {
		m.env.log.Warn().Err(err).Msg("manager event=config_stat_failed")
		return
	}
	m.load.Lock()
	defer m.load.Unlock()
	m.mu.RLock()
	unchanged := marker.Equal(m.marker)
	m.mu.RUnlock()
	if unchanged {
		return
	}
	m.env.log.Info().Str("path", path).Msg("manager event=config_changed")
	if err := m.loadConfigLocked(ctx, path); err != nil {
		m.env.log.Error().Err(err).Msg("manager event=config_reload_failed")
	}
}

// ReloadConfig re-reads the configuration file passed to LoadConfig.
func (m *Manager) ReloadConfig(ctx context.Context) error {
	m.mu.RLock()
	path := m.configPath
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("reload config: no config loaded")
	}
	return m.LoadConfig(ctx, path)
}

// Shutdown stops the watcher and retires every model. It returns ctx's error
// if retiring does not finish in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopWatcher()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.load.Lock()
		defer m.load.Unlock()
		for _, mdl := range m.Models() {
			mdl.apply.Lock()
			mdl.RetireAll()
			mdl.apply.Unlock()
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
