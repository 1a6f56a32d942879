package extension

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"servingd/internal/common/fsutil"
)

// Library is a loaded custom node library.
type Library struct {
	Name     string
	Path     string
	Module   Module
	LoadedAt time.Time
}

// Registry maps library names to loaded libraries. Reconciliation is the only
// writer; pipeline builders read concurrently.
type Registry struct {
	loader Loader
	log    zerolog.Logger

	mu   sync.RWMutex
	libs map[string]*Library
}

func NewRegistry(loader Loader, log zerolog.Logger) *Registry {
	if loader == nil {
		loader = PluginLoader{}
	}
	return &Registry{loader: loader, log: log, libs: make(map[string]*Library)}
}

// Load registers the library at path under name. Loading the same name from
// the same path again returns ErrAlreadyLoaded and changes nothing; a
// different path returns ErrAlreadyLoadedDifferentPath and keeps the original.
func (r *Registry) Load(name, path string) error {
	if fsutil.IsPathEscaped(path) || !fsutil.IsFullPath(path) {
		r.log.Error().Str("library", name).Str("path", path).Msg("extension event=invalid_path")
		return fmt.Errorf("%w: %q", ErrPathInvalid, path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.libs[name]; ok {
		if existing.Path == path {
			r.log.Debug().Str("library", name).Msg("extension event=already_loaded")
			return ErrAlreadyLoaded
		}
		r.log.Error().Str("library", name).Str("path", path).Str("loaded_path", existing.Path).Msg("extension event=name_conflict")
		return fmt.Errorf("%w: %s loaded from %s", ErrAlreadyLoadedDifferentPath, name, existing.Path)
	}
	mod, err := r.loader.Load(path)
	if err != nil {
		r.log.Error().Err(err).Str("library", name).Str("path", path).Msg("extension event=load_failed")
		return err
	}
	r.libs[name] = &Library{Name: name, Path: path, Module: mod, LoadedAt: time.Now()}
	r.log.Info().Str("library", name).Str("path", path).Msg("extension event=loaded")
	return nil
}

// Get returns the library registered under name.
func (r *Registry) Get(name string) (*Library, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok := r.libs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryMissing, name)
	}
	return lib, nil
}

// UnloadNotInSet removes every library whose name is not in keep and returns
// the removed names in ascending order. Calling it again with the same set
// removes nothing.
func (r *Registry) UnloadNotInSet(keep []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, _ := lo.Difference(lo.Keys(r.libs), keep)
	sort.Strings(removed)
	for _, name := range removed {
		r.log.Info().Str("library", name).Str("path", r.libs[name].Path).Msg("extension event=unloaded")
		delete(r.libs, name)
	}
	return removed
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Keys(r.libs)
	sort.Strings(out)
	return out
}

// Libraries returns a snapshot of all registered libraries sorted by name.
func (r *Registry) Libraries() []Library {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Library, 0, len(r.libs))
	for _, l := range r.libs {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
