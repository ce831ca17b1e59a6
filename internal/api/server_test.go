package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
	"trade-fleet/internal/worker"
)

type fakeController struct {
	startOpts   worker.StartOptions
	stopTimeout time.Duration
	startErr    error
	workers     map[string]model.WorkerInfo
}

func newFakeController() *fakeController {
	return &fakeController{workers: map[string]model.WorkerInfo{
		"acct-1": {AccountID: "acct-1", WorkerID: "w-1", Status: model.WorkerRunning},
	}}
}

func (f *fakeController) Start(_ context.Context, id string, opts worker.StartOptions) (model.WorkerInfo, error) {
	f.startOpts = opts
	if f.startErr != nil {
		return model.WorkerInfo{AccountID: id, Status: model.WorkerCreated}, f.startErr
	}
	info := model.WorkerInfo{AccountID: id, WorkerID: "w-new", Status: model.WorkerRunning}
	f.workers[id] = info
	return info, nil
}

func (f *fakeController) Stop(id string, timeout time.Duration) (model.WorkerInfo, error) {
	f.stopTimeout = timeout
	info, ok := f.workers[id]
	if !ok {
		return model.WorkerInfo{}, fmt.Errorf("%w: %s", worker.ErrNotFound, id)
	}
	info.Status = model.WorkerStopped
	return info, nil
}

func (f *fakeController) Restart(_ context.Context, id string) (model.WorkerInfo, error) {
	return f.Get(id)
}

func (f *fakeController) Get(id string) (model.WorkerInfo, error) {
	info, ok := f.workers[id]
	if !ok {
		return model.WorkerInfo{}, fmt.Errorf("%w: %s", worker.ErrNotFound, id)
	}
	return info, nil
}

func (f *fakeController) List() []model.WorkerInfo {
	out := make([]model.WorkerInfo, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func (f *fakeController) Validate(id string, _ bool) (config.Report, error) {
	return config.Report{AccountID: id, Warnings: []config.Issue{{Field: "risk.maxDailyLoss", Message: "unset"}}}, nil
}

func (f *fakeController) ValidateAll(bool) ([]config.Report, error) {
	return []config.Report{{AccountID: "acct-1"}}, nil
}

func (f *fakeController) StartAll(context.Context, worker.StartOptions) ([]worker.Result, error) {
	return []worker.Result{{AccountID: "acct-1", Error: "worker: already running"}}, nil
}

func (f *fakeController) StopAll(time.Duration) []worker.Result {
	return []worker.Result{{AccountID: "acct-1"}}
}

type fakeHistory struct{ limit int }

func (h *fakeHistory) Events(_ context.Context, accountID string, limit int) ([]model.Event, error) {
	h.limit = limit
	return []model.Event{{Type: model.EventExecutionStatus, Execution: &model.ExecutionStatus{AccountID: accountID, Stage: model.StagePending}}}, nil
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestStartDefaultsAndOverrides(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(":0", ctrl, nil, time.Second, nil)

	code, env := do(t, s.Handler(), http.MethodPost, "/api/workers/acct-2/start", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, worker.StartOptions{ApplyDefaults: true, Validate: true}, ctrl.startOpts)
	var info model.WorkerInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "acct-2", info.AccountID)

	code, _ = do(t, s.Handler(), http.MethodPost, "/api/workers/acct-2/start", `{"applyDefaults":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, worker.StartOptions{ApplyDefaults: false, Validate: true}, ctrl.startOpts)

	code, _ = do(t, s.Handler(), http.MethodPost, "/api/workers/acct-2/start", `{bad`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStartErrorsMapToStatus(t *testing.T) {
	report := config.Report{AccountID: "acct-1", Errors: []config.Issue{{Field: "instruments", Message: "at least one enabled instrument is required"}}}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &config.ValidationError{Report: report}, http.StatusUnprocessableEntity},
		{"already running", fmt.Errorf("%w: acct-1", worker.ErrAlreadyRunning), http.StatusConflict},
		{"needs restart", fmt.Errorf("%w: acct-1", worker.ErrNeedsRestart), http.StatusConflict},
		{"no document", &worker.StartError{AccountID: "acct-1", Stage: worker.StageLoad, Err: config.ErrAccountNotFound}, http.StatusNotFound},
		{"connect", &worker.StartError{AccountID: "acct-1", Stage: worker.StageConnect, Err: fmt.Errorf("refused")}, http.StatusBadGateway},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.startErr = tt.err
			s := NewServer(":0", ctrl, nil, time.Second, nil)

			code, env := do(t, s.Handler(), http.MethodPost, "/api/workers/acct-1/start", "")
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestValidationErrorCarriesReport(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = &config.ValidationError{Report: config.Report{
		AccountID: "acct-1",
		Errors:    []config.Issue{{Field: "instruments", Message: "at least one enabled instrument is required"}},
	}}
	s := NewServer(":0", ctrl, nil, time.Second, nil)

	_, env := do(t, s.Handler(), http.MethodPost, "/api/workers/acct-1/start", "")
	var report config.Report
	require.NoError(t, json.Unmarshal(env.Details, &report))
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "instruments", report.Errors[0].Field)
}

func TestStopUsesTimeoutParam(t *testing.T) {
	ctrl := newFakeController()
	s := NewServer(":0", ctrl, nil, 7*time.Second, nil)

	code, _ := do(t, s.Handler(), http.MethodPost, "/api/workers/acct-1/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 7*time.Second, ctrl.stopTimeout)

	code, env := do(t, s.Handler(), http.MethodPost, "/api/workers/acct-1/stop?timeout=250ms", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 250*time.Millisecond, ctrl.stopTimeout)
	var info model.WorkerInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, model.WorkerStopped, info.Status)

	code, _ = do(t, s.Handler(), http.MethodPost, "/api/workers/acct-1/stop?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s.Handler(), http.MethodPost, "/api/workers/nobody/stop", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReadRoutes(t *testing.T) {
	history := &fakeHistory{}
	s := NewServer(":0", newFakeController(), history, time.Second, nil)
	h := s.Handler()

	code, env := do(t, h, http.MethodGet, "/api/workers", "")
	require.Equal(t, http.StatusOK, code)
	var list []model.WorkerInfo
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	code, _ = do(t, h, http.MethodGet, "/api/workers/acct-1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodGet, "/api/workers/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = do(t, h, http.MethodGet, "/api/workers/acct-1/validate", "")
	require.Equal(t, http.StatusOK, code)
	var report config.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Len(t, report.Warnings, 1)

	code, _ = do(t, h, http.MethodGet, "/api/validate", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodGet, "/api/workers/acct-1/events?limit=5", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, history.limit)

	code, _ = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestBulkRoutes(t *testing.T) {
	s := NewServer(":0", newFakeController(), nil, time.Second, nil)

	code, env := do(t, s.Handler(), http.MethodPost, "/api/workers/start-all", "")
	require.Equal(t, http.StatusOK, code)
	var results []worker.Result
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "worker: already running", results[0].Error)

	code, _ = do(t, s.Handler(), http.MethodPost, "/api/workers/stop-all", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s.Handler(), http.MethodGet, "/api/workers/acct-1/events", "")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestHubStreamsFilteredEvents(t *testing.T) {
	s := NewServer(":0", newFakeController(), nil, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?account=acct-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, time.Millisecond)

	s.Hub().Publish(model.Event{Type: model.EventExecutionStatus, Execution: &model.ExecutionStatus{AccountID: "acct-2", Symbol: "GBPUSD"}})
	s.Hub().Publish(model.Event{Type: model.EventPositionOpened, Trade: &model.TradeEvent{AccountID: "acct-1", Ticket: 1001, Symbol: "EURUSD"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string      `json:"type"`
		Data model.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "position_opened", msg.Type)
	require.NotNil(t, msg.Data.Trade)
	assert.Equal(t, int64(1001), msg.Data.Trade.Ticket)
}
