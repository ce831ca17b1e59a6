// Package model defines shared data types used across all trade-fleet modules.
package model

import "time"

// Side represents a trading direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Direction is the directional recommendation of a signal.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionNone Direction = "NONE"
)

// Side maps a direction to an order side. NONE has no side.
func (d Direction) Side() (Side, bool) {
	switch d {
	case DirectionBuy:
		return SideBuy, true
	case DirectionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// WorkerState is the lifecycle state of a per-account worker.
type WorkerState string

const (
	WorkerCreated  WorkerState = "CREATED"
	WorkerStarting WorkerState = "STARTING"
	WorkerRunning  WorkerState = "RUNNING"
	WorkerStopping WorkerState = "STOPPING"
	WorkerStopped  WorkerState = "STOPPED"
	WorkerError    WorkerState = "ERROR"
)

// PositionState is the lifecycle state of a tracked position.
type PositionState string

const (
	PositionOpen            PositionState = "OPEN"
	PositionBreakevenSet    PositionState = "BREAKEVEN_SET"
	PositionPartiallyClosed PositionState = "PARTIALLY_CLOSED"
	PositionTrailingActive  PositionState = "TRAILING_ACTIVE"
	PositionClosed          PositionState = "CLOSED"
)

// Bar is a single OHLC price bar returned by the terminal.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Position is a live position owned by one worker's position manager.
type Position struct {
	Ticket     int64         `json:"ticket"`
	AccountID  string        `json:"accountId"`
	Symbol     string        `json:"symbol"`
	Side       Side          `json:"side"`
	Volume     float64       `json:"volume"`
	EntryPrice float64       `json:"entryPrice"`
	StopLoss   float64       `json:"stopLoss"`
	TakeProfit float64       `json:"takeProfit"`
	OpenTime   time.Time     `json:"openTime"`
	State      PositionState `json:"state"`
	RiskPct    float64       `json:"riskPct"`
}

// TerminalPosition is a position as reported by the execution terminal.
type TerminalPosition struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	EntryPrice   float64   `json:"entryPrice"`
	CurrentPrice float64   `json:"currentPrice"`
	StopLoss     float64   `json:"stopLoss"`
	TakeProfit   float64   `json:"takeProfit"`
	Profit       float64   `json:"profit"`
	OpenTime     time.Time `json:"openTime"`
}

// AccountState represents the current state of a trading account.
type AccountState struct {
	AccountID  string    `json:"accountId"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"freeMargin"`
	Currency   string    `json:"currency"`
	Time       time.Time `json:"time"`
}

// Signal is the unified directional recommendation for one instrument and cycle.
type Signal struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Confidence      float64   `json:"confidence"`
	TechnicalWeight float64   `json:"technicalWeight"`
	ModelWeight     float64   `json:"modelWeight"`
}

// EventType names an outbound event.
type EventType string

const (
	EventPositionOpened   EventType = "position_opened"
	EventPositionModified EventType = "position_modified"
	EventPositionClosed   EventType = "position_closed"
	EventExecutionStatus  EventType = "execution_status"
	EventWorkerState      EventType = "worker_state"
)

// ExecutionStage is the stage reported by an execution_status event.
type ExecutionStage string

const (
	StagePending  ExecutionStage = "pending"
	StageExecuted ExecutionStage = "executed"
	StageFailed   ExecutionStage = "failed"
)

// TradeEvent is the payload of position_opened/modified/closed events.
type TradeEvent struct {
	Ticket     int64         `json:"ticket"`
	AccountID  string        `json:"accountId"`
	Symbol     string        `json:"symbol"`
	Side       Side          `json:"side"`
	Volume     float64       `json:"volume"`
	Price      float64       `json:"price"`
	StopLoss   float64       `json:"stopLoss"`
	TakeProfit float64       `json:"takeProfit"`
	State      PositionState `json:"state"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ExecutionStatus is the payload of execution_status events.
type ExecutionStatus struct {
	AccountID string         `json:"accountId"`
	Symbol    string         `json:"symbol"`
	Stage     ExecutionStage `json:"stage"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event is one message on the outbound event feed.
type Event struct {
	Type      EventType        `json:"type"`
	Trade     *TradeEvent      `json:"trade,omitempty"`
	Execution *ExecutionStatus `json:"execution,omitempty"`
	Worker    *WorkerInfo      `json:"worker,omitempty"`
}

// AccountID returns the account an event belongs to.
func (e Event) AccountID() string {
	switch {
	case e.Trade != nil:
		return e.Trade.AccountID
	case e.Execution != nil:
		return e.Execution.AccountID
	case e.Worker != nil:
		return e.Worker.AccountID
	}
	return ""
}

// WorkerMetadata holds runtime details reported with a worker snapshot.
type WorkerMetadata struct {
	ConfigRevision          string    `json:"configRevision"`
	Server                  string    `json:"server"`
	Instruments             int       `json:"instruments"`
	CycleCount              int64     `json:"cycleCount"`
	LastCycleAt             time.Time `json:"lastCycleAt"`
	OpenPositions           int       `json:"openPositions"`
	ConsecutiveConnFailures int       `json:"consecutiveConnFailures"`
	RiskRejections          int64     `json:"riskRejections"`
	LastRejection           string    `json:"lastRejection,omitempty"`
	ForcedTermination       bool      `json:"forcedTermination"`
}

// WorkerInfo is a read-only snapshot of a worker.
type WorkerInfo struct {
	WorkerID  string         `json:"workerId"`
	AccountID string         `json:"accountId"`
	Status    WorkerState    `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	StoppedAt *time.Time     `json:"stoppedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  WorkerMetadata `json:"metadata"`
}

// APIResponse is the standard REST API response envelope.
type APIResponse struct {
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WSMessage represents a WebSocket message sent to event feed clients.
type WSMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
