//go:build llama

package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"servingd/internal/common/fsutil"
	"servingd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaBackend loads the first .gguf file of a version directory.
type llamaBackend struct {
	ctxSize int
	threads int
}

// NewLlamaBackend returns the go-llama.cpp backend. Requests carry a string
// "prompt" input and produce a "text" output.
func NewLlamaBackend(ctxSize, threads int) Backend {
	return &llamaBackend{ctxSize: ctxSize, threads: threads}
}

type llamaSession struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	plugin  map[string]string
}

func (b *llamaBackend) Load(ctx context.Context, cfg VersionConfig) (Session, error) {
	files, err := fsutil.FindFiles(cfg.VersionPath(), ".gguf")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .gguf file in %s", cfg.VersionPath())
	}
	m, err := llama.New(files[0], llama.SetContext(b.ctxSize))
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: m, threads: b.threads, plugin: cfg.PluginConfig}, nil
}

func (s *llamaSession) Infer(ctx context.Context, inputs, state types.TensorMap) (types.TensorMap, error) {
	prompt, ok := inputs["prompt"].(string)
	if !ok {
		return nil, errors.New(`input "prompt" must be a string`)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	// Stop generation once the request is canceled.
	s.model.SetTokenCallback(func(string) bool { return ctx.Err() == nil })
	text, err := s.model.Predict(prompt, predictOptions(s.plugin, s.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return types.TensorMap{"text": text}, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

// predictOptions maps plugin_config entries onto go-llama.cpp options.
func predictOptions(plugin map[string]string, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetThreads(max(1, threads)),
		llama.SetTokens(intOr(plugin["max_tokens"], 128)),
		llama.SetTopK(intOr(plugin["top_k"], llama.DefaultOptions.TopK)),
		llama.SetTopP(floatOr(plugin["top_p"], llama.DefaultOptions.TopP)),
		llama.SetTemperature(floatOr(plugin["temperature"], llama.DefaultOptions.Temperature)),
		llama.SetPenalty(floatOr(plugin["repeat_penalty"], llama.DefaultOptions.Penalty)),
	}
	if seed := intOr(plugin["seed"], 0); seed != 0 {
		po = append(po, llama.SetSeed(seed))
	}
	return po
}

func intOr(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

func floatOr(s string, def float32) float32 {
	if v, err := strconv.ParseFloat(s, 32); err == nil && v > 0 {
		return float32(v)
	}
	return def
}
