package extension

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servingd/pkg/types"
)

type stubModule struct{ path string }

func (m *stubModule) Initialize(map[string]string) (Resources, error) { return nil, nil }
func (m *stubModule) Deinitialize(Resources) error                   { return nil }
func (m *stubModule) Execute(ctx context.Context, in types.TensorMap, _ map[string]string, _ Resources) (types.TensorMap, error) {
	return in, nil
}
func (m *stubModule) InputsInfo(map[string]string, Resources) ([]TensorInfo, error)  { return nil, nil }
func (m *stubModule) OutputsInfo(map[string]string, Resources) ([]TensorInfo, error) { return nil, nil }
func (m *stubModule) Release(types.TensorMap, Resources) error                       { return nil }

type countingLoader struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
}

func (l *countingLoader) Load(path string) (Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if err := l.fail[path]; err != nil {
		return nil, err
	}
	return &stubModule{path: path}, nil
}

func newTestRegistry() (*Registry, *countingLoader) {
	l := &countingLoader{fail: map[string]error{}}
	return NewRegistry(l, zerolog.Nop()), l
}

func TestLoad_RejectsInvalidPaths(t *testing.T) {
	r, l := newTestRegistry()
	for _, p := range []string{
		"/opt/libs/../etc/lib.so",
		"relative/lib.so",
		"/opt//libs/lib.so",
		"/opt/libs/./lib.so",
	} {
		err := r.Load("lib", p)
		assert.True(t, errors.Is(err, ErrPathInvalid), "path %q", p)
	}
	assert.Equal(t, 0, l.calls)
	assert.Empty(t, r.Names())
}

func TestLoad_DoubleLoadSemantics(t *testing.T) {
	r, l := newTestRegistry()
	path := filepath.Join("/opt", "libs", "a.so")
	require.NoError(t, r.Load("a", path))

	err := r.Load("a", path)
	assert.True(t, errors.Is(err, ErrAlreadyLoaded))
	assert.Equal(t, 1, l.calls, "same-path reload must not reopen the library")

	err = r.Load("a", "/opt/libs/other.so")
	assert.True(t, errors.Is(err, ErrAlreadyLoadedDifferentPath))
	lib, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, path, lib.Path, "original registration stays untouched")
	assert.Equal(t, path, lib.Module.(*stubModule).path)
}

func TestLoad_LoaderFailureRegistersNothing(t *testing.T) {
	r, l := newTestRegistry()
	l.fail["/opt/libs/broken.so"] = ErrLoadFailedSymbol
	err := r.Load("broken", "/opt/libs/broken.so")
	assert.True(t, errors.Is(err, ErrLoadFailedSymbol))
	_, err = r.Get("broken")
	assert.True(t, errors.Is(err, ErrLibraryMissing))
}

func TestUnloadNotInSet(t *testing.T) {
	r, _ := newTestRegistry()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Load(n, "/opt/libs/"+n+".so"))
	}
	removed := r.UnloadNotInSet([]string{"b", "zzz"})
	assert.Equal(t, []string{"a", "c"}, removed)
	assert.Equal(t, []string{"b"}, r.Names())

	assert.Empty(t, r.UnloadNotInSet([]string{"b", "zzz"}), "second call is a no-op")
	assert.Equal(t, []string{"b"}, r.Names())

	assert.Equal(t, []string{"b"}, r.UnloadNotInSet(nil))
	assert.Empty(t, r.Names())
}

func TestPluginLoader_OpenFailure(t *testing.T) {
	_, err := PluginLoader{}.Load(filepath.Join(t.TempDir(), "missing.so"))
	assert.True(t, errors.Is(err, ErrLoadFailedOpen))
}

func TestLibrariesSnapshotSorted(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Load("z", "/opt/z.so"))
	require.NoError(t, r.Load("m", "/opt/m.so"))
	libs := r.Libraries()
	require.Len(t, libs, 2)
	assert.Equal(t, "m", libs[0].Name)
	assert.Equal(t, "z", libs[1].Name)
	assert.False(t, libs[0].LoadedAt.IsZero())
}
