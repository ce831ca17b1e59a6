package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trade-fleet/internal/model"
)

// Terminal bridge error codes.
const (
	CodePositionNotFound = 404
	CodeUnauthorized     = 401
)

// Bridge operations.
const (
	opLogin          = "login"
	opOpenPosition   = "open_position"
	opModifyPosition = "modify_position"
	opClosePosition  = "close_position"
	opOpenPositions  = "open_positions"
	opMarketData     = "market_data"
	opQuote          = "quote"
	opAccount        = "account"
)

// BridgeOptions configures a websocket bridge client.
type BridgeOptions struct {
	URL        string
	AccountID  string
	Server     string
	Credential string
	// PingInterval keeps idle connections alive. Zero disables pings.
	PingInterval time.Duration
}

type request struct {
	ID      uint64 `json:"id"`
	Op      string `json:"op"`
	Payload any    `json:"payload,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Error  *wireError      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Bridge talks to a terminal-side bridge over a websocket using JSON
// request/response frames correlated by id.
type Bridge struct {
	opts   BridgeOptions
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	done    chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

// NewBridge creates an unconnected bridge client.
func NewBridge(opts BridgeOptions) *Bridge {
	return &Bridge{
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		logger:  zap.NewNop(),
		pending: make(map[uint64]chan response),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger *zap.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Connect dials the bridge and logs in to the account.
func (b *Bridge) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Account-Id", b.opts.AccountID)

	conn, _, err := b.dialer.DialContext(ctx, b.opts.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: dialing %s: %v", ErrTimeout, b.opts.URL, err)
		}
		return fmt.Errorf("%w: dialing %s: %v", ErrConnection, b.opts.URL, err)
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.readLoop(conn, done)
	if b.opts.PingInterval > 0 {
		go b.pingLoop(conn, done)
	}

	login := map[string]string{
		"accountId":  b.opts.AccountID,
		"server":     b.opts.Server,
		"credential": b.opts.Credential,
	}
	if err := b.call(ctx, opLogin, login, nil); err != nil {
		_ = b.Close()
		return fmt.Errorf("logging in to %s: %w", b.opts.Server, err)
	}

	b.logger.Info("bridge_connected", zap.String("url", b.opts.URL), zap.String("server", b.opts.Server))
	return nil
}

// Close tears down the connection. In-flight calls fail with ErrConnection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	return conn.Close()
}

func (b *Bridge) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		close(done)
		b.failPending()
	}()
	conn.SetReadLimit(5 * 1024 * 1024)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("bridge_read_failed", zap.Error(err))
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			b.logger.Warn("bridge_bad_frame", zap.Error(err))
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Bridge) failPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		ch <- response{ID: id, Error: &wireError{Message: "connection closed"}}
		delete(b.pending, id)
	}
}

// call sends one request and waits for its response or ctx's deadline.
func (b *Bridge) call(ctx context.Context, op string, payload, out any) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	id := b.nextID.Add(1)
	ch := make(chan response, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Op: op, Payload: payload})
	if err != nil {
		b.forget(id)
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	b.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return fmt.Errorf("%w: writing %s: %v", ErrConnection, op, err)
	}

	select {
	case <-ctx.Done():
		b.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, op)
		}
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return decodeError(op, resp.Error)
		}
		if !resp.OK {
			return fmt.Errorf("%w: %s: empty response", ErrConnection, op)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", op, err)
			}
		}
		return nil
	}
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func decodeError(op string, e *wireError) error {
	switch {
	case e.Code == 0:
		return fmt.Errorf("%w: %s: %s", ErrConnection, op, e.Message)
	case e.Code == CodePositionNotFound:
		return fmt.Errorf("%w: %s", ErrPositionNotFound, e.Message)
	default:
		return &RejectedError{Code: e.Code, Reason: e.Message}
	}
}

// OpenPosition implements Gateway.
func (b *Bridge) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var res OpenResult
	if err := b.call(ctx, opOpenPosition, req, &res); err != nil {
		return OpenResult{}, err
	}
	return res, nil
}

// ModifyPosition implements Gateway.
func (b *Bridge) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error {
	payload := struct {
		Ticket     int64    `json:"ticket"`
		StopLoss   *float64 `json:"stopLoss,omitempty"`
		TakeProfit *float64 `json:"takeProfit,omitempty"`
	}{ticket, stopLoss, takeProfit}
	return b.call(ctx, opModifyPosition, payload, nil)
}

// ClosePosition implements Gateway.
func (b *Bridge) ClosePosition(ctx context.Context, ticket int64, volume *float64) error {
	payload := struct {
		Ticket int64    `json:"ticket"`
		Volume *float64 `json:"volume,omitempty"`
	}{ticket, volume}
	return b.call(ctx, opClosePosition, payload, nil)
}

// GetOpenPositions implements Gateway.
func (b *Bridge) GetOpenPositions(ctx context.Context, accountID string) ([]model.TerminalPosition, error) {
	var out []model.TerminalPosition
	if err := b.call(ctx, opOpenPositions, map[string]string{"accountId": accountID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMarketData implements Gateway.
func (b *Bridge) GetMarketData(ctx context.Context, symbol, timeframe string, count int) ([]model.Bar, error) {
	payload := struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
		Count     int    `json:"count"`
	}{symbol, timeframe, count}
	var out []model.Bar
	if err := b.call(ctx, opMarketData, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQuote implements Gateway.
func (b *Bridge) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var q model.Quote
	if err := b.call(ctx, opQuote, map[string]string{"symbol": symbol}, &q); err != nil {
		return model.Quote{}, err
	}
	return q, nil
}

// GetAccount implements Gateway.
func (b *Bridge) GetAccount(ctx context.Context) (model.AccountState, error) {
	var a model.AccountState
	if err := b.call(ctx, opAccount, nil, &a); err != nil {
		return model.AccountState{}, err
	}
	return a, nil
}
