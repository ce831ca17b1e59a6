package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
)

func execEvent(accountID string, n int) model.Event {
	return model.Event{
		Type:      model.EventExecutionStatus,
		Execution: &model.ExecutionStatus{AccountID: accountID, Symbol: fmt.Sprintf("S%d", n), Stage: model.StagePending},
	}
}

func TestMemoryWorkersUpsertAndSort(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveWorker(ctx, model.WorkerInfo{AccountID: "b", Status: model.WorkerStarting}))
	require.NoError(t, m.SaveWorker(ctx, model.WorkerInfo{AccountID: "a", Status: model.WorkerRunning}))
	require.NoError(t, m.SaveWorker(ctx, model.WorkerInfo{AccountID: "b", Status: model.WorkerRunning}))

	ws, err := m.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "a", ws[0].AccountID)
	assert.Equal(t, "b", ws[1].AccountID)
	assert.Equal(t, model.WorkerRunning, ws[1].Status)
}

func TestMemoryEventsArePerAccountAndCapped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < maxEventsPerAccount+10; i++ {
		require.NoError(t, m.RecordEvent(ctx, execEvent("a", i)))
	}
	require.NoError(t, m.RecordEvent(ctx, execEvent("b", 0)))

	all, err := m.Events(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, all, maxEventsPerAccount)
	assert.Equal(t, "S10", all[0].Execution.Symbol)

	last, err := m.Events(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, fmt.Sprintf("S%d", maxEventsPerAccount+9), last[1].Execution.Symbol)

	b, err := m.Events(ctx, "b", 10)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestMemoryConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.RecordEvent(ctx, execEvent("a", i))
			_ = m.SaveWorker(ctx, model.WorkerInfo{AccountID: fmt.Sprintf("w%d", i%5)})
		}(i)
	}
	wg.Wait()

	evs, err := m.Events(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 50)
	ws, err := m.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, ws, 5)
}

func TestOptionDSN(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
		want string
	}{
		{
			name: "defaults",
			opt:  Option{},
			want: "postgres://localhost:5432?sslmode=disable",
		},
		{
			name: "full",
			opt:  Option{Host: "db", Port: 6543, User: "fleet", Password: "p@ss", Database: "trading", SSLMode: "require"},
			want: "postgres://fleet:p%40ss@db:6543/trading?sslmode=require",
		},
		{
			name: "conn string wins",
			opt:  Option{Host: "db", ConnString: "postgres://x@y/z"},
			want: "postgres://x@y/z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	repo, err := Open(config.StoreConfig{Driver: config.StoreDriverMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, repo)
	assert.NoError(t, repo.Close())

	_, err = Open(config.StoreConfig{Driver: "mongo"}, nil)
	assert.Error(t, err)
}
