package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/engine"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/logging"
	"trade-fleet/internal/model"
	"trade-fleet/internal/risk"
)

// ErrInvalidTransition is returned for a worker state change the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("worker: invalid state transition")

var transitions = map[model.WorkerState][]model.WorkerState{
	model.WorkerCreated:  {model.WorkerStarting, model.WorkerError},
	model.WorkerStarting: {model.WorkerRunning, model.WorkerError},
	model.WorkerRunning:  {model.WorkerStopping, model.WorkerError},
	model.WorkerStopping: {model.WorkerStopped, model.WorkerError},
	model.WorkerStopped:  {model.WorkerStarting, model.WorkerError},
	model.WorkerError:    {model.WorkerStarting},
}

// CanTransition reports whether a worker may move between two states.
func CanTransition(from, to model.WorkerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Worker is one account's execution context: a gateway connection plus the
// orchestrator loop driving it.
type Worker struct {
	// op serializes control operations (start, stop, restart).
	op sync.Mutex

	mu      sync.Mutex
	info    model.WorkerInfo
	acct    config.AccountConfig
	hasAcct bool
	gw      gateway.Gateway
	orch    *engine.Orchestrator
	budget  *risk.Budget
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger

	notify func(model.WorkerInfo)
	now    func() time.Time
}

func newWorker(accountID string, now time.Time, notify func(model.WorkerInfo)) *Worker {
	return &Worker{
		info: model.WorkerInfo{
			AccountID: accountID,
			Status:    model.WorkerCreated,
			CreatedAt: now,
		},
		logger: zap.NewNop(),
		notify: notify,
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() model.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info.Status
}

// Info returns a snapshot including the loop's live counters.
func (w *Worker) Info() model.WorkerInfo {
	w.mu.Lock()
	info := w.info
	orch := w.orch
	w.mu.Unlock()

	if orch != nil {
		st := orch.Stats()
		info.Metadata.CycleCount = st.CycleCount
		info.Metadata.LastCycleAt = st.LastCycleAt
		info.Metadata.OpenPositions = st.OpenPositions
		info.Metadata.ConsecutiveConnFailures = st.ConsecutiveConnFailures
		info.Metadata.RiskRejections = st.RiskRejections
		info.Metadata.LastRejection = st.LastRejection
	}
	return info
}

// Account returns the document the worker last ran with.
func (w *Worker) Account() (config.AccountConfig, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acct, w.hasAcct
}

// transitionLocked moves the worker to state to. The caller holds w.mu.
func (w *Worker) transitionLocked(to model.WorkerState) error {
	from := w.info.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.info.Status = to
	now := w.now()
	switch to {
	case model.WorkerStarting:
		w.info.StartedAt = nil
		w.info.StoppedAt = nil
		w.info.Error = ""
		w.info.Metadata.ForcedTermination = false
	case model.WorkerRunning:
		w.info.StartedAt = &now
	case model.WorkerStopped, model.WorkerError:
		w.info.StoppedAt = &now
	}
	return nil
}

// transition changes state and publishes the new snapshot.
func (w *Worker) transition(to model.WorkerState, errMsg string) error {
	w.mu.Lock()
	if err := w.transitionLocked(to); err != nil {
		w.mu.Unlock()
		return err
	}
	if errMsg != "" {
		w.info.Error = errMsg
	}
	w.mu.Unlock()
	w.publish()
	return nil
}

// setError records an error without a state change.
func (w *Worker) setError(msg string, publish bool) {
	w.mu.Lock()
	w.info.Error = msg
	w.mu.Unlock()
	if publish {
		w.publish()
	}
}

func (w *Worker) publish() {
	if w.notify != nil {
		w.notify(w.Info())
	}
}

// launch connects a gateway for acct and starts the orchestration loop.
// The caller holds w.op.
func (m *Manager) launch(ctx context.Context, w *Worker, acct config.AccountConfig) (model.WorkerInfo, error) {
	workerID := uuid.NewString()
	logger := logging.ForWorker(m.logger, acct.AccountID, workerID)

	w.mu.Lock()
	if err := w.transitionLocked(model.WorkerStarting); err != nil {
		w.mu.Unlock()
		return w.Info(), err
	}
	w.info.WorkerID = workerID
	w.info.Metadata = model.WorkerMetadata{
		ConfigRevision: acct.Revision,
		Server:         acct.Server,
		Instruments:    len(acct.EnabledInstruments()),
	}
	w.acct, w.hasAcct = acct, true
	w.orch, w.gw, w.cancel, w.done = nil, nil, nil, nil
	w.logger = logger
	// The budget outlives restarts so the day's realized loss still counts.
	if w.budget == nil {
		w.budget = risk.NewBudget(risk.LimitsFrom(acct.Risk))
	} else {
		w.budget.Resume(risk.LimitsFrom(acct.Risk))
	}
	budget := w.budget
	w.mu.Unlock()
	w.publish()
	logger.Info("worker_starting", zap.String("revision", acct.Revision), zap.Int("instruments", len(acct.EnabledInstruments())))

	gw, err := m.factory(acct)
	if err != nil {
		return m.abort(w, &StartError{AccountID: acct.AccountID, Stage: StageGateway, Err: err})
	}

	err = gateway.Retry(ctx, m.gwCfg.ConnectRetries+1, m.connectBackoff(), func() error {
		c, cancel := gateway.WithTimeout(ctx, m.gwCfg.ConnectTimeout)
		defer cancel()
		return gw.Connect(c)
	})
	if err != nil {
		_ = gw.Close()
		return m.abort(w, &StartError{AccountID: acct.AccountID, Stage: StageConnect, Err: err})
	}

	orch := engine.New(engine.Options{
		Account:        acct,
		Engine:         m.engine,
		CallTimeout:    m.gwCfg.CallTimeout,
		ConnectRetries: m.gwCfg.ConnectRetries,
		RetryBackoff:   m.backoff,
		Gateway:        gw,
		Budget:         budget,
		Scorer:         m.scorer,
		Publisher:      m.pub,
	})
	orch.SetLogger(logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	w.mu.Lock()
	w.gw, w.orch, w.cancel, w.done = gw, orch, cancel, done
	w.mu.Unlock()
	if err := w.transition(model.WorkerRunning, ""); err != nil {
		cancel()
		_ = gw.Close()
		return w.Info(), err
	}

	go m.run(runCtx, w, orch, gw, done, logger)
	logger.Info("worker_started")
	return w.Info(), nil
}

func (m *Manager) abort(w *Worker, err *StartError) (model.WorkerInfo, error) {
	w.mu.Lock()
	logger := w.logger
	w.mu.Unlock()
	logger.Error("worker_start_failed", zap.String("stage", err.Stage), zap.Error(err.Err))
	_ = w.transition(model.WorkerError, err.Error())
	return w.Info(), err
}

// run drives the orchestrator until it returns. A failure while RUNNING
// moves the worker to ERROR and drops the connection. A loop left behind by a
// forced stop no longer owns the worker and only releases its own gateway.
func (m *Manager) run(ctx context.Context, w *Worker, orch *engine.Orchestrator, gw gateway.Gateway, done chan struct{}, logger *zap.Logger) {
	defer close(done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("orchestrator panic: %v", r)
			}
		}()
		return orch.Run(ctx)
	}()
	if err == nil {
		logger.Info("worker_loop_exited")
		return
	}

	w.mu.Lock()
	if w.done != done {
		w.mu.Unlock()
		logger.Warn("worker_stale_loop_exited", zap.Error(err))
		if cerr := gw.Close(); cerr != nil {
			logger.Warn("gateway_close_failed", zap.Error(cerr))
		}
		return
	}
	logger.Error("worker_failed", zap.Error(err))
	state := w.info.Status
	if state != model.WorkerRunning {
		// A stop is in progress; it owns the final state.
		w.info.Error = err.Error()
		w.mu.Unlock()
		return
	}
	_ = w.transitionLocked(model.WorkerError)
	w.info.Error = err.Error()
	w.mu.Unlock()

	if cerr := gw.Close(); cerr != nil {
		logger.Warn("gateway_close_failed", zap.Error(cerr))
	}
	w.publish()
}

// stopLocked performs a graceful stop with forced teardown on timeout.
// The caller holds w.op.
func (m *Manager) stopLocked(w *Worker, timeout time.Duration) {
	w.mu.Lock()
	if w.info.Status != model.WorkerRunning {
		// An ERROR worker may still have a loop blocked in a gateway call.
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Unlock()
		return
	}
	_ = w.transitionLocked(model.WorkerStopping)
	cancel, done, gw, logger := w.cancel, w.done, w.gw, w.logger
	w.mu.Unlock()
	w.publish()
	logger.Info("worker_stopping", zap.Duration("timeout", timeout))

	cancel()
	forced := false
	timer := time.NewTimer(timeout)
	select {
	case <-done:
	case <-timer.C:
		forced = true
	}
	timer.Stop()

	if err := gw.Close(); err != nil {
		logger.Warn("gateway_close_failed", zap.Error(err))
	}

	w.mu.Lock()
	if w.info.Status == model.WorkerStopping {
		_ = w.transitionLocked(model.WorkerStopped)
		w.info.Metadata.ForcedTermination = forced
	}
	w.mu.Unlock()
	w.publish()

	if forced {
		logger.Warn("worker_force_stopped", zap.Duration("timeout", timeout))
	} else {
		logger.Info("worker_stopped")
	}
}

func (m *Manager) connectBackoff() time.Duration {
	if m.backoff > 0 {
		return m.backoff
	}
	return 500 * time.Millisecond
}
