// Package api exposes the worker control operations over HTTP and streams
// the event feed to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
	"trade-fleet/internal/worker"
)

// Controller is the worker control surface the server translates requests into.
type Controller interface {
	Start(ctx context.Context, accountID string, opts worker.StartOptions) (model.WorkerInfo, error)
	Stop(accountID string, timeout time.Duration) (model.WorkerInfo, error)
	Restart(ctx context.Context, accountID string) (model.WorkerInfo, error)
	Get(accountID string) (model.WorkerInfo, error)
	List() []model.WorkerInfo
	Validate(accountID string, applyDefaults bool) (config.Report, error)
	ValidateAll(applyDefaults bool) ([]config.Report, error)
	StartAll(ctx context.Context, opts worker.StartOptions) ([]worker.Result, error)
	StopAll(timeout time.Duration) []worker.Result
}

// EventHistory reads recorded events of an account.
type EventHistory interface {
	Events(ctx context.Context, accountID string, limit int) ([]model.Event, error)
}

// Server is the REST API + WebSocket server.
type Server struct {
	workers     Controller
	history     EventHistory
	hub         *Hub
	logger      *zap.Logger
	mux         *http.ServeMux
	srv         *http.Server
	address     string
	stopTimeout time.Duration
}

// NewServer creates an API server. history may be nil.
func NewServer(address string, workers Controller, history EventHistory, stopTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	s := &Server{
		workers:     workers,
		history:     history,
		hub:         NewHub(logger),
		logger:      logger,
		mux:         http.NewServeMux(),
		address:     address,
		stopTimeout: stopTimeout,
	}
	s.registerRoutes()
	return s
}

// Hub returns the WebSocket hub for broadcasting.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/workers", s.handleList)
	s.mux.HandleFunc("GET /api/workers/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/workers/{id}/validate", s.handleValidate)
	s.mux.HandleFunc("GET /api/workers/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/workers/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /api/workers/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/workers/{id}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /api/workers/start-all", s.handleStartAll)
	s.mux.HandleFunc("POST /api/workers/stop-all", s.handleStopAll)
	s.mux.HandleFunc("GET /api/validate", s.handleValidateAll)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Run starts the HTTP server and the WebSocket hub.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.srv = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_started", zap.String("address", s.address))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.APIResponse{
		Data:      map[string]any{"status": "ok", "workers": len(s.workers.List()), "wsClients": s.hub.ClientCount()},
		Timestamp: time.Now(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.workers.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.workers.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

// startRequest is the optional body of a start request. Both flags default to true.
type startRequest struct {
	ApplyDefaults *bool `json:"applyDefaults"`
	Validate      *bool `json:"validate"`
}

func decodeStart(r *http.Request) (worker.StartOptions, error) {
	opts := worker.StartOptions{ApplyDefaults: true, Validate: true}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return opts, nil
		}
		return opts, err
	}
	if req.ApplyDefaults != nil {
		opts.ApplyDefaults = *req.ApplyDefaults
	}
	if req.Validate != nil {
		opts.Validate = *req.Validate
	}
	return opts, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeStart(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{Error: "invalid JSON: " + err.Error(), Timestamp: time.Now()})
		return
	}
	id := r.PathValue("id")
	info, err := s.workers.Start(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("api_worker_start", zap.String("account_id", id), zap.String("worker_id", info.WorkerID))
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	timeout, err := s.timeoutParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{Error: err.Error(), Timestamp: time.Now()})
		return
	}
	id := r.PathValue("id")
	info, err := s.workers.Stop(id, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("api_worker_stop", zap.String("account_id", id), zap.Bool("forced", info.Metadata.ForcedTermination))
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.workers.Restart(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("api_worker_restart", zap.String("account_id", id))
	writeData(w, http.StatusOK, info)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeStart(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{Error: "invalid JSON: " + err.Error(), Timestamp: time.Now()})
		return
	}
	results, err := s.workers.StartAll(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, results)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	timeout, err := s.timeoutParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.APIResponse{Error: err.Error(), Timestamp: time.Now()})
		return
	}
	writeData(w, http.StatusOK, s.workers.StopAll(timeout))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.workers.Validate(r.PathValue("id"), boolParam(r, "applyDefaults", true))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

func (s *Server) handleValidateAll(w http.ResponseWriter, r *http.Request) {
	reports, err := s.workers.ValidateAll(boolParam(r, "applyDefaults", true))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, reports)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, model.APIResponse{Error: "event history disabled", Timestamp: time.Now()})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, model.APIResponse{Error: "limit must be a non-negative integer", Timestamp: time.Now()})
			return
		}
		limit = n
	}
	evs, err := s.history.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, evs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleUpgrade(w, r)
}

func (s *Server) timeoutParam(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return s.stopTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, errors.New("timeout must be a positive duration such as 10s")
	}
	return d, nil
}

func boolParam(r *http.Request, key string, def bool) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

// writeError maps control errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := model.APIResponse{Error: err.Error(), Timestamp: time.Now()}
	status := http.StatusInternalServerError

	var verr *config.ValidationError
	var serr *worker.StartError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		resp.Details = verr.Report
	case errors.Is(err, worker.ErrNotFound), errors.Is(err, config.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, worker.ErrAlreadyRunning), errors.Is(err, worker.ErrNeedsRestart):
		status = http.StatusConflict
	case errors.As(err, &serr):
		status = http.StatusBadGateway
		resp.Details = map[string]string{"stage": serr.Stage}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("api_request_failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, model.APIResponse{Data: data, Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
