package store

import (
	"context"
	"sort"
	"sync"

	"trade-fleet/internal/model"
)

// maxEventsPerAccount caps the in-memory event history of each account.
const maxEventsPerAccount = 2048

// Memory is a thread-safe in-memory repository.
type Memory struct {
	mu      sync.RWMutex
	workers map[string]model.WorkerInfo // accountID -> latest snapshot
	events  map[string][]model.Event    // accountID -> recent events (capped)
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		workers: make(map[string]model.WorkerInfo),
		events:  make(map[string][]model.Event),
	}
}

// SaveWorker upserts the latest snapshot of a worker.
func (m *Memory) SaveWorker(_ context.Context, info model.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[info.AccountID] = info
	return nil
}

// Workers returns the latest snapshot of every worker sorted by account.
func (m *Memory) Workers(_ context.Context) ([]model.WorkerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// RecordEvent appends an event to its account's history.
func (m *Memory) RecordEvent(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ev.AccountID()
	buf := append(m.events[id], ev)
	if len(buf) > maxEventsPerAccount {
		buf = buf[len(buf)-maxEventsPerAccount:]
	}
	m.events[id] = buf
	return nil
}

// Events returns up to limit most recent events of an account, oldest first.
// A non-positive limit returns all retained events.
func (m *Memory) Events(_ context.Context, accountID string, limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := m.events[accountID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]model.Event, len(buf))
	copy(out, buf)
	return out, nil
}

// Close implements Repository.
func (m *Memory) Close() error { return nil }
