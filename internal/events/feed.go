// Package events carries position, execution and worker events from the core
// to whoever broadcasts them. Publishing never blocks.
package events

import (
	"sync/atomic"
	"time"

	"trade-fleet/internal/model"
)

// Publisher accepts outbound events.
type Publisher interface {
	Publish(ev model.Event)
}

// Feed is a bounded outbound event channel. When the buffer is full the
// event is dropped and counted.
type Feed struct {
	ch      chan model.Event
	dropped atomic.Int64
}

// NewFeed creates a feed buffering up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 1024
	}
	return &Feed{ch: make(chan model.Event, size)}
}

// Publish enqueues ev without blocking.
func (f *Feed) Publish(ev model.Event) {
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
	}
}

// Events returns the channel the broadcaster drains.
func (f *Feed) Events() <-chan model.Event {
	return f.ch
}

// Dropped returns the number of events discarded because the feed was full.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(model.Event) {}

// Trade builds a position event.
func Trade(typ model.EventType, pos model.Position, price float64, at time.Time) model.Event {
	return model.Event{
		Type: typ,
		Trade: &model.TradeEvent{
			Ticket:     pos.Ticket,
			AccountID:  pos.AccountID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Volume:     pos.Volume,
			Price:      price,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			State:      pos.State,
			Timestamp:  at,
		},
	}
}

// Execution builds an execution_status event.
func Execution(accountID, symbol string, stage model.ExecutionStage, reason string, at time.Time) model.Event {
	return model.Event{
		Type: model.EventExecutionStatus,
		Execution: &model.ExecutionStatus{
			AccountID: accountID,
			Symbol:    symbol,
			Stage:     stage,
			Reason:    reason,
			Timestamp: at,
		},
	}
}

// Worker builds a worker_state event.
func Worker(info model.WorkerInfo) model.Event {
	return model.Event{Type: model.EventWorkerState, Worker: &info}
}
