// Package gateway defines the contract to the execution terminal and its two
// implementations: a websocket bridge to a live terminal and a simulated
// paper terminal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
)

var (
	// ErrConnection means the terminal could not be reached. Retryable.
	ErrConnection = errors.New("gateway: connection failed")
	// ErrTimeout means a call did not complete within its deadline. Retryable.
	ErrTimeout = errors.New("gateway: call timed out")
	// ErrPositionNotFound means the terminal has no position with the ticket.
	ErrPositionNotFound = errors.New("gateway: position not found")
)

// RejectedError is returned when the broker declines a request, for example
// for an invalid stop distance or insufficient margin. It is never retried.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway: rejected (%d): %s", e.Code, e.Reason)
}

// IsRetryable reports whether err is a transient connectivity failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is a broker rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// OpenRequest describes a market order.
type OpenRequest struct {
	Symbol     string     `json:"symbol"`
	Side       model.Side `json:"side"`
	Volume     float64    `json:"volume"`
	StopLoss   *float64   `json:"stopLoss,omitempty"`
	TakeProfit *float64   `json:"takeProfit,omitempty"`
	Comment    string     `json:"comment,omitempty"`
}

// OpenResult is the terminal's confirmation of an opened position.
type OpenResult struct {
	Ticket      int64   `json:"ticket"`
	FilledPrice float64 `json:"filledPrice"`
}

// Gateway is one connection to the execution terminal. Every call takes a
// context whose deadline bounds the call; a timeout surfaces as ErrTimeout.
type Gateway interface {
	Connect(ctx context.Context) error
	Close() error

	OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error
	ClosePosition(ctx context.Context, ticket int64, volume *float64) error

	GetOpenPositions(ctx context.Context, accountID string) ([]model.TerminalPosition, error)
	GetMarketData(ctx context.Context, symbol, timeframe string, count int) ([]model.Bar, error)
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
	GetAccount(ctx context.Context) (model.AccountState, error)
}

// Factory creates an unconnected gateway for an account.
type Factory func(acct config.AccountConfig) (Gateway, error)

// NewFactory returns a factory building gateways of the configured mode.
func NewFactory(cfg config.GatewayConfig, logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(acct config.AccountConfig) (Gateway, error) {
		switch cfg.Mode {
		case config.GatewayModePaper, "":
			return NewPaper(PaperOptions{
				AccountID: acct.AccountID,
				Balance:   cfg.PaperBalance,
				Seed:      cfg.PaperSeed,
				Walk:      true,
			}), nil
		case config.GatewayModeBridge:
			b := NewBridge(BridgeOptions{
				URL:        cfg.URL,
				AccountID:  acct.AccountID,
				Server:     acct.Server,
				Credential: resolveCredential(acct.CredentialsRef),
			})
			b.SetLogger(logger.With(zap.String("account_id", acct.AccountID)))
			return b, nil
		default:
			return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
		}
	}
}

// resolveCredential reads the secret named by a credentials reference from
// the environment.
func resolveCredential(ref string) string {
	if ref == "" {
		return ""
	}
	return os.Getenv(ref)
}

// Retry calls fn up to attempts times while it fails with a retryable error,
// backing off linearly between attempts. It stops early when ctx is done.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}

// WithTimeout derives a call context from parent bounded by d. A zero d
// leaves the parent unchanged.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
