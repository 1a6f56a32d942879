package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"servingd/internal/manager"
	"servingd/internal/pipeline"
	"servingd/internal/sequence"
	"servingd/pkg/types"
)

type mockService struct {
	ready     bool
	models    []types.ModelStatus
	history   []types.VersionEvent
	seqs      []uint64
	exts      []types.Extension
	pipelines []types.PipelineStatus
	inferErr  error
	reloadErr error
	lastCall  InferCall
	lastName  string
	limit     int
	block     bool
}

func (m *mockService) Ready() bool                   { return m.ready }
func (m *mockService) Models() []types.ModelStatus   { return m.models }
func (m *mockService) Extensions() []types.Extension { return m.exts }
func (m *mockService) Pipelines() []types.PipelineStatus {
	return m.pipelines
}

func (m *mockService) Model(name string) (types.ModelStatus, error) {
	for _, st := range m.models {
		if st.Name == name {
			return st, nil
		}
	}
	return types.ModelStatus{}, manager.ErrModelNotFound(name)
}

func (m *mockService) History(name string, version int64, limit int) ([]types.VersionEvent, error) {
	m.limit = limit
	return m.history, nil
}

func (m *mockService) Sequences(name string, version int64) ([]uint64, error) {
	if _, err := m.Model(name); err != nil {
		return nil, err
	}
	return m.seqs, nil
}

func (m *mockService) InferModel(ctx context.Context, name string, call InferCall) (types.InferResponse, error) {
	m.lastName, m.lastCall = name, call
	if m.block {
		<-ctx.Done()
		return types.InferResponse{}, ctx.Err()
	}
	if m.inferErr != nil {
		return types.InferResponse{}, m.inferErr
	}
	return types.InferResponse{Model: name, Version: 1, Outputs: call.Inputs, SequenceID: call.Sequence.ID}, nil
}

func (m *mockService) InferPipeline(ctx context.Context, name string, call InferCall) (types.InferResponse, error) {
	m.lastName, m.lastCall = name, call
	if m.inferErr != nil {
		return types.InferResponse{}, m.inferErr
	}
	return types.InferResponse{Pipeline: name, Outputs: types.TensorMap{"y": call.Inputs["x"]}}, nil
}

func (m *mockService) ReloadConfig(ctx context.Context) error { return m.reloadErr }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body: %v (%q)", err, w.Body.String())
	}
	return e
}

func resnet() types.ModelStatus {
	return types.ModelStatus{Name: "resnet", DefaultVersion: 2, Versions: []types.VersionStatus{
		{Version: 1, State: "END"}, {Version: 2, State: "AVAILABLE"},
	}}
}

func TestHealthAndReady(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := do(t, r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
	w := do(t, r, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("readyz before load: %d %q", w.Code, w.Body.String())
	}
	svc.ready = true
	if w := do(t, r, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", w.Code)
	}
}

func TestModelEndpoints(t *testing.T) {
	svc := &mockService{models: []types.ModelStatus{resnet()}, seqs: []uint64{7, 9}}
	r := NewMux(svc)

	w := do(t, r, http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var list types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Models) != 1 {
		t.Fatalf("models: %v %+v", err, list)
	}

	w = do(t, r, http.MethodGet, "/v1/models/resnet/versions/2", "")
	var vs types.VersionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &vs); err != nil || vs.State != "AVAILABLE" {
		t.Fatalf("version: %d %v %+v", w.Code, err, vs)
	}
	if w := do(t, r, http.MethodGet, "/v1/models/resnet/versions/3", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing version status=%d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/v1/models/resnet/versions/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad version status=%d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/v1/models/nope", "")
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != http.StatusNotFound {
		t.Fatalf("unknown model: %d %q", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, "/v1/models/resnet/versions/0/sequences", "")
	var seqs types.SequencesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &seqs); err != nil || len(seqs.SequenceIDs) != 2 {
		t.Fatalf("sequences: %v %+v", err, seqs)
	}
}

func TestHistory(t *testing.T) {
	svc := &mockService{history: []types.VersionEvent{{Name: "version_loaded", TimeUnix: 1}}}
	r := NewMux(svc)
	w := do(t, r, http.MethodGet, "/v1/models/resnet/versions/2/history?limit=5", "")
	var body types.HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Events) != 1 {
		t.Fatalf("history: %v %q", err, w.Body.String())
	}
	if svc.limit != 5 {
		t.Fatalf("limit=%d", svc.limit)
	}
	if w := do(t, r, http.MethodGet, "/v1/models/resnet/versions/2/history?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status=%d", w.Code)
	}
	svc.history = nil
	w = do(t, r, http.MethodGet, "/v1/models/resnet/versions/2/history", "")
	if !strings.Contains(w.Body.String(), `"events":[]`) {
		t.Fatalf("empty history body=%q", w.Body.String())
	}
}

func TestInferModel(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/models/counter/infer",
		strings.NewReader(`{"inputs":{"x":1},"version":3,"sequence_id":18446744073709551615,"sequence_control_input":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if svc.lastName != "counter" || svc.lastCall.Version != 3 {
		t.Fatalf("call=%+v", svc.lastCall)
	}
	if svc.lastCall.Sequence != (sequence.Request{ID: 18446744073709551615, Control: sequence.Start}) {
		t.Fatalf("sequence=%+v", svc.lastCall.Sequence)
	}
	var resp types.InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "abc" || w.Header().Get("X-Request-Id") != "abc" {
		t.Fatalf("request id: body=%q header=%q", resp.RequestID, w.Header().Get("X-Request-Id"))
	}
}

func TestInferAssignsRequestID(t *testing.T) {
	svc := &mockService{}
	w := do(t, NewMux(svc), http.MethodPost, "/v1/models/m/infer", `{"inputs":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.lastCall.RequestID) != 36 {
		t.Fatalf("request id %q is not a uuid", svc.lastCall.RequestID)
	}
}

func TestInferValidation(t *testing.T) {
	r := NewMux(&mockService{})
	cases := []struct {
		body string
		want int
	}{
		{`{`, http.StatusBadRequest},
		{`{"inputs":{},"version":-1}`, http.StatusBadRequest},
		{`{"inputs":{},"sequence_id":-4}`, http.StatusBadRequest},
		{`{"inputs":{},"sequence_id":"7"}`, http.StatusBadRequest},
		{`{"inputs":{},"sequence_control_input":3}`, http.StatusBadRequest},
		{`{"inputs":{},"sequence_control_input":4294967296}`, http.StatusBadRequest},
		{`{"inputs":{},"sequence_id":null}`, http.StatusOK},
	}
	for _, c := range cases {
		w := do(t, r, http.MethodPost, "/v1/models/m/infer", c.body)
		if w.Code != c.want {
			t.Fatalf("%s: status=%d want %d (%q)", c.body, w.Code, c.want, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/models/m/infer", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("content-type status=%d", w.Code)
	}
}

func TestInferBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	body := fmt.Sprintf(`{"inputs":{"x":%q}}`, strings.Repeat("a", 64))
	if w := do(t, NewMux(&mockService{}), http.MethodPost, "/v1/models/m/infer", body); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrModelNotFound("m"), http.StatusNotFound},
		{fmt.Errorf("x: %w", manager.ErrVersionNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", manager.ErrNoDefaultVersion), http.StatusServiceUnavailable},
		{manager.ErrDependencyUnavailable("llama"), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", sequence.ErrSequenceMissing), http.StatusBadRequest},
		{sequence.ErrSequenceAlreadyExists, http.StatusBadRequest},
		{sequence.ErrMaxSequencesReached, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", pipeline.ErrPipelineNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", pipeline.ErrPipelineUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", pipeline.ErrMissingPipelineInput), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		svc := &mockService{inferErr: c.err}
		r := NewMux(svc)
		for _, path := range []string{"/v1/models/m/infer", "/v1/pipelines/p/infer"} {
			w := do(t, r, http.MethodPost, path, `{"inputs":{"x":1}}`)
			if w.Code != c.want {
				t.Fatalf("%s %v: status=%d want %d", path, c.err, w.Code, c.want)
			}
			if e := decodeError(t, w); e.Code != c.want || e.Error == "" {
				t.Fatalf("payload=%+v", e)
			}
		}
	}
}

func TestInferTimeout(t *testing.T) {
	SetInferTimeoutSeconds(1)
	defer SetInferTimeoutSeconds(0)
	svc := &mockService{block: true}
	start := time.Now()
	w := do(t, NewMux(svc), http.MethodPost, "/v1/models/m/infer", `{"inputs":{}}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestInferPipeline(t *testing.T) {
	svc := &mockService{}
	w := do(t, NewMux(svc), http.MethodPost, "/v1/pipelines/detect/infer", `{"inputs":{"x":"img"}}`)
	var resp types.InferResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Pipeline != "detect" || resp.Outputs["y"] != "img" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestListingsAndReload(t *testing.T) {
	svc := &mockService{
		exts:      []types.Extension{{Name: "argmax", Path: "/opt/libs/argmax.so"}},
		pipelines: []types.PipelineStatus{{Name: "detect", Available: true}},
	}
	r := NewMux(svc)
	if w := do(t, r, http.MethodGet, "/v1/extensions", ""); !strings.Contains(w.Body.String(), "argmax") {
		t.Fatalf("extensions body=%q", w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/v1/pipelines", ""); !strings.Contains(w.Body.String(), `"available":true`) {
		t.Fatalf("pipelines body=%q", w.Body.String())
	}
	if w := do(t, r, http.MethodPost, "/v1/config/reload", ""); w.Code != http.StatusOK {
		t.Fatalf("reload status=%d", w.Code)
	}
	svc.reloadErr = errors.New("invalid config")
	if w := do(t, r, http.MethodPost, "/v1/config/reload", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("failed reload status=%d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	SetCORSOptions(true, []string{"http://localhost:5173"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/models", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestSecurityHeader(t *testing.T) {
	w := do(t, NewMux(&mockService{}), http.MethodGet, "/healthz", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff")
	}
}

func TestRequestContextCanceledOnShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(nil)
	ctx, done := requestContext(context.Background())
	defer done()
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("request context not canceled")
	}
}

func TestRequestLogLevel(t *testing.T) {
	cases := map[string]LogLevel{"?log=1": LevelDebug, "?log=error": LevelError, "?log=off": LevelOff, "?log=weird": LevelInfo}
	for q, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/"+q, nil)
		if got := requestLogLevel(r); got != want {
			t.Fatalf("%s: level=%d want %d", q, got, want)
		}
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Log-Level", "debug")
	if requestLogLevel(r) != LevelDebug {
		t.Fatalf("header override ignored")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewMux(&mockService{models: []types.ModelStatus{resnet()}})
	_ = do(t, r, http.MethodGet, "/v1/models/resnet", "")
	w := do(t, r, http.MethodGet, "/metrics", "")
	body := w.Body.String()
	if !strings.Contains(body, "servingd_http_requests_total") {
		t.Fatalf("metrics missing counter")
	}
	if !strings.Contains(body, `path="/v1/models/{name}"`) {
		t.Fatalf("metrics not labeled by route pattern")
	}
}

func TestWriteJSONErrorPayload(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSONError(w, http.StatusTeapot, "short and stout")
	var e types.ErrorResponse
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&e); err != nil {
		t.Fatalf("json: %v", err)
	}
	if e.Code != http.StatusTeapot || e.Error != "short and stout" {
		t.Fatalf("payload=%+v", e)
	}
}
