package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"trade-fleet/internal/model"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

type workerRecord struct {
	AccountID string `gorm:"primaryKey"`
	WorkerID  string `gorm:"index"`
	Status    string
	Error     string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
	Metadata  []byte `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (workerRecord) TableName() string { return "fleet_workers" }

type eventRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID string `gorm:"index:idx_fleet_events_account"`
	Type      string
	Payload   []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (eventRecord) TableName() string { return "fleet_events" }

// Postgres is a repository backed by PostgreSQL through gorm.
type Postgres struct {
	db *gorm.DB
}

var _ Repository = (*Postgres)(nil)

// NewPostgres connects and migrates the schema.
func NewPostgres(option Option) (*Postgres, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}

	cfg := option.Config
	if cfg == nil {
		cfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	db, err := gorm.Open(postgres.Open(connString), cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&workerRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// SaveWorker upserts the latest snapshot of a worker.
func (p *Postgres) SaveWorker(ctx context.Context, info model.WorkerInfo) error {
	meta, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("encoding worker metadata: %w", err)
	}
	rec := workerRecord{
		AccountID: info.AccountID,
		WorkerID:  info.WorkerID,
		Status:    string(info.Status),
		Error:     info.Error,
		CreatedAt: info.CreatedAt,
		StartedAt: info.StartedAt,
		StoppedAt: info.StoppedAt,
		Metadata:  meta,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

// Workers returns the latest snapshot of every worker sorted by account.
func (p *Postgres) Workers(ctx context.Context) ([]model.WorkerInfo, error) {
	var recs []workerRecord
	if err := p.db.WithContext(ctx).Order("account_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.WorkerInfo, 0, len(recs))
	for _, r := range recs {
		info := model.WorkerInfo{
			WorkerID:  r.WorkerID,
			AccountID: r.AccountID,
			Status:    model.WorkerState(r.Status),
			CreatedAt: r.CreatedAt,
			StartedAt: r.StartedAt,
			StoppedAt: r.StoppedAt,
			Error:     r.Error,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &info.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of %s: %w", r.AccountID, err)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// RecordEvent appends an event to the history table.
func (p *Postgres) RecordEvent(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.db.WithContext(ctx).Create(&eventRecord{
		AccountID: ev.AccountID(),
		Type:      string(ev.Type),
		Payload:   payload,
	}).Error
}

// Events returns up to limit most recent events of an account, oldest first.
func (p *Postgres) Events(ctx context.Context, accountID string, limit int) ([]model.Event, error) {
	q := p.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []eventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Event, len(recs))
	for i, r := range recs {
		if err := json.Unmarshal(r.Payload, &out[len(recs)-1-i]); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", r.ID, err)
		}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
