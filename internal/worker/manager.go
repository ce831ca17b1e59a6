// Package worker manages the registry of per-account workers: validation,
// start, stop, restart and read-only snapshots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/model"
	"trade-fleet/internal/scorer"
	"trade-fleet/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("worker: already running")
	ErrNotFound       = errors.New("worker: not found")
	ErrNeedsRestart   = errors.New("worker: in ERROR state, restart required")
)

// Start stages reported by StartError.
const (
	StageLoad    = "load"
	StageGateway = "gateway"
	StageConnect = "connect"
)

// StartError is returned when a validated worker fails to come up.
type StartError struct {
	AccountID string
	Stage     string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("worker %s: start failed at %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Loader provides account documents and the shared defaults document.
type Loader interface {
	Load(accountID string) (config.AccountConfig, error)
	Accounts() ([]string, error)
	Defaults() (*config.Defaults, error)
}

// StartOptions controls how an account document is prepared before start.
type StartOptions struct {
	ApplyDefaults bool `json:"applyDefaults"`
	Validate      bool `json:"validate"`
}

// Result is the per-account outcome of a bulk operation.
type Result struct {
	AccountID string            `json:"accountId"`
	Worker    *model.WorkerInfo `json:"worker,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Loader     Loader
	Factory    gateway.Factory
	Publisher  events.Publisher
	Repository store.Repository
	Engine     config.EngineConfig
	Gateway    config.GatewayConfig
	Scorer     scorer.Scorer
}

// Manager is the process-level worker registry. The registry lock guards
// only the account map; each worker has its own state lock, so snapshots
// never wait on a start or stop in progress.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker

	loader  Loader
	factory gateway.Factory
	pub     events.Publisher
	repo    store.Repository
	engine  config.EngineConfig
	gwCfg   config.GatewayConfig
	scorer  scorer.Scorer
	logger  *zap.Logger
	now     func() time.Time
	backoff time.Duration
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	pub := opts.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	repo := opts.Repository
	if repo == nil {
		repo = store.NewMemory()
	}
	factory := opts.Factory
	if factory == nil {
		factory = gateway.NewFactory(opts.Gateway, nil)
	}
	return &Manager{
		workers: make(map[string]*Worker),
		loader:  opts.Loader,
		factory: factory,
		pub:     pub,
		repo:    repo,
		engine:  opts.Engine,
		gwCfg:   opts.Gateway,
		scorer:  opts.Scorer,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
}

// SetLogger sets the logger for the manager and every worker it starts.
func (m *Manager) SetLogger(logger *zap.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start loads, optionally overlays defaults and validates the account's
// document, then connects the gateway and launches the worker loop.
// A live worker yields ErrAlreadyRunning with no side effects. A failed
// validation yields *config.ValidationError and leaves the worker's state
// untouched.
func (m *Manager) Start(ctx context.Context, accountID string, opts StartOptions) (model.WorkerInfo, error) {
	w, fresh := m.entry(accountID)
	if !w.op.TryLock() {
		return w.Info(), fmt.Errorf("%w: %s has a control operation in progress", ErrAlreadyRunning, accountID)
	}
	defer w.op.Unlock()

	switch w.State() {
	case model.WorkerStarting, model.WorkerRunning, model.WorkerStopping:
		return w.Info(), fmt.Errorf("%w: %s", ErrAlreadyRunning, accountID)
	case model.WorkerError:
		return w.Info(), fmt.Errorf("%w: %s", ErrNeedsRestart, accountID)
	}

	acct, report, err := m.prepare(accountID, opts.ApplyDefaults)
	if err != nil {
		if fresh {
			m.forget(accountID, w)
		} else {
			w.setError(err.Error(), false)
		}
		return w.Info(), &StartError{AccountID: accountID, Stage: StageLoad, Err: err}
	}
	if opts.Validate && report.HasErrors() {
		verr := report.Err()
		w.setError(verr.Error(), false)
		m.logger.Warn("worker_validation_failed",
			zap.String("account_id", accountID),
			zap.Int("errors", len(report.Errors)),
		)
		return w.Info(), verr
	}
	return m.launch(ctx, w, acct)
}

// Stop cancels the worker loop and waits up to timeout for it to finish its
// in-flight call. On timeout the gateway connection is torn down and the
// worker is marked STOPPED with ForcedTermination set. The worker is never
// RUNNING when Stop returns.
func (m *Manager) Stop(accountID string, timeout time.Duration) (model.WorkerInfo, error) {
	w := m.lookup(accountID)
	if w == nil {
		return model.WorkerInfo{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	w.op.Lock()
	defer w.op.Unlock()
	m.stopLocked(w, timeout)
	return w.Info(), nil
}

// Restart stops the worker if it is live and starts it again with the same
// account document revision it last ran with. A worker that never ran is
// loaded fresh with defaults applied and validation on.
func (m *Manager) Restart(ctx context.Context, accountID string) (model.WorkerInfo, error) {
	w := m.lookup(accountID)
	if w == nil {
		return model.WorkerInfo{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	w.op.Lock()
	defer w.op.Unlock()

	m.stopLocked(w, m.stopTimeout())

	acct, ok := w.Account()
	if !ok {
		var report config.Report
		var err error
		acct, report, err = m.prepare(accountID, true)
		if err != nil {
			return w.Info(), &StartError{AccountID: accountID, Stage: StageLoad, Err: err}
		}
		if report.HasErrors() {
			return w.Info(), report.Err()
		}
	}
	return m.launch(ctx, w, acct)
}

// Get returns a snapshot of one worker.
func (m *Manager) Get(accountID string) (model.WorkerInfo, error) {
	w := m.lookup(accountID)
	if w == nil {
		return model.WorkerInfo{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return w.Info(), nil
}

// List returns snapshots of every known worker sorted by account.
func (m *Manager) List() []model.WorkerInfo {
	m.mu.RLock()
	ws := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	out := make([]model.WorkerInfo, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Validate runs the start-time checks for one account without side effects.
func (m *Manager) Validate(accountID string, applyDefaults bool) (config.Report, error) {
	_, report, err := m.prepare(accountID, applyDefaults)
	return report, err
}

// ValidateAll validates every configured account.
func (m *Manager) ValidateAll(applyDefaults bool) ([]config.Report, error) {
	ids, err := m.loader.Accounts()
	if err != nil {
		return nil, err
	}
	out := make([]config.Report, 0, len(ids))
	for _, id := range ids {
		report, err := m.Validate(id, applyDefaults)
		if err != nil {
			report = config.Report{AccountID: id, Errors: []config.Issue{{Field: "document", Message: err.Error()}}}
		}
		out = append(out, report)
	}
	return out, nil
}

// StartAll starts every configured account concurrently.
func (m *Manager) StartAll(ctx context.Context, opts StartOptions) ([]Result, error) {
	ids, err := m.loader.Accounts()
	if err != nil {
		return nil, err
	}
	return m.each(ids, func(id string) (model.WorkerInfo, error) {
		return m.Start(ctx, id, opts)
	}), nil
}

// StopAll stops every live worker concurrently.
func (m *Manager) StopAll(timeout time.Duration) []Result {
	var ids []string
	for _, info := range m.List() {
		if info.Status == model.WorkerRunning || info.Status == model.WorkerStarting {
			ids = append(ids, info.AccountID)
		}
	}
	return m.each(ids, func(id string) (model.WorkerInfo, error) {
		return m.Stop(id, timeout)
	})
}

func (m *Manager) each(ids []string, fn func(id string) (model.WorkerInfo, error)) []Result {
	results := make([]Result, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			info, err := fn(id)
			results[i] = Result{AccountID: id}
			if info.AccountID != "" {
				results[i].Worker = &info
			}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, id)
	}
	wg.Wait()
	return results
}

// prepare loads the account document, overlays defaults when asked and
// returns the validation report. It never touches worker state.
func (m *Manager) prepare(accountID string, applyDefaults bool) (config.AccountConfig, config.Report, error) {
	if m.loader == nil {
		return config.AccountConfig{}, config.Report{}, errors.New("no account loader configured")
	}
	acct, err := m.loader.Load(accountID)
	if err != nil {
		return config.AccountConfig{}, config.Report{}, err
	}
	if applyDefaults {
		d, err := m.loader.Defaults()
		if err != nil {
			return config.AccountConfig{}, config.Report{}, err
		}
		acct = config.ApplyDefaults(acct, d)
	}
	return acct, config.Validate(acct), nil
}

// entry returns the registry record for accountID, creating it in CREATED
// when absent.
func (m *Manager) entry(accountID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[accountID]; ok {
		return w, false
	}
	w := newWorker(accountID, m.now(), m.notify)
	m.workers[accountID] = w
	return w, true
}

// forget drops a record created for an account that has no document.
func (m *Manager) forget(accountID string, w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[accountID] == w {
		delete(m.workers, accountID)
	}
}

func (m *Manager) lookup(accountID string) *Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[accountID]
}

// notify fans a worker snapshot out to the event feed and the repository.
// Repository failures are logged and otherwise ignored.
func (m *Manager) notify(info model.WorkerInfo) {
	m.pub.Publish(events.Worker(info))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.repo.SaveWorker(ctx, info); err != nil {
		m.logger.Warn("worker_save_failed", zap.String("account_id", info.AccountID), zap.Error(err))
	}
}

func (m *Manager) stopTimeout() time.Duration {
	if m.engine.StopTimeout > 0 {
		return m.engine.StopTimeout
	}
	return 30 * time.Second
}
