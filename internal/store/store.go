// Package store persists worker snapshots and the outbound event history.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
)

// Repository records worker snapshots and events. Implementations are safe
// for concurrent use.
type Repository interface {
	SaveWorker(ctx context.Context, info model.WorkerInfo) error
	Workers(ctx context.Context) ([]model.WorkerInfo, error)
	RecordEvent(ctx context.Context, ev model.Event) error
	Events(ctx context.Context, accountID string, limit int) ([]model.Event, error)
	Close() error
}

// Open builds the repository selected by cfg.
func Open(cfg config.StoreConfig, logger *zap.Logger) (Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.StoreDriverMemory, "":
		return NewMemory(), nil
	case config.StoreDriverPostgres:
		pg, err := NewPostgres(Option{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			Database: cfg.Database,
			SSLMode:  cfg.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		logger.Info("store_opened", zap.String("driver", cfg.Driver), zap.String("host", cfg.Host))
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
