package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/pkg/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresStore persists orders and events in Postgres.
type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

// NewPostgres opens a pgx pool and bootstraps the schema.
func NewPostgres(ctx context.Context, pgURL string, poolCfg PGPoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}
	if poolCfg.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = poolCfg.HealthCheckPeriod
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := NewPostgresWithDB(pool, logger)
	if err := s.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithDB wraps an existing connection.
func NewPostgresWithDB(db DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o model.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (id, token_in, token_out, amount, wallet, order_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.TokenIn, o.TokenOut, o.Amount, o.Wallet, o.OrderType, o.CreatedAt)
	if err != nil {
		s.logger.Error("store.pg.create_order_failed", zap.String("order_id", o.ID), zap.Error(err))
		return mapPGError(err, o.ID)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error) {
	if !status.Valid() {
		return model.StatusEvent{}, fmt.Errorf("%w: invalid status %q", ErrPersistence, status)
	}
	raw, err := model.EncodeDetail(detail)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("%w: encode detail: %v", ErrPersistence, err)
	}

	ev := model.StatusEvent{OrderID: orderID, Status: status, Detail: raw}
	err = s.db.QueryRow(ctx, `
		INSERT INTO order_events (order_id, status, detail, ts)
		VALUES ($1, $2, $3, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT max(ts) FROM order_events WHERE order_id = $1), clock_timestamp())
		))
		RETURNING id, ts
	`, orderID, string(status), []byte(raw)).Scan(&ev.ID, &ev.Timestamp)
	if err != nil {
		s.logger.Error("store.pg.append_event_failed",
			zap.String("order_id", orderID),
			zap.String("status", string(status)),
			zap.Error(err))
		return model.StatusEvent{}, mapPGError(err, orderID)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, orderID string) ([]model.StatusEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, status, detail, ts
		FROM order_events
		WHERE order_id = $1
		ORDER BY ts ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", ErrPersistence, err)
	}
	defer rows.Close()

	events := []model.StatusEvent{}
	for rows.Next() {
		var (
			ev     model.StatusEvent
			status string
			detail []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &status, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrPersistence, err)
		}
		ev.Status = model.Status(status)
		ev.Detail = detail
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrPersistence, err)
	}
	return events, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	err := s.db.QueryRow(ctx, `
		SELECT id, token_in, token_out, amount, wallet, order_type, created_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&o.ID, &o.TokenIn, &o.TokenOut, &o.Amount, &o.Wallet, &o.OrderType, &o.CreatedAt)
	if err != nil {
		return nil, mapPGError(err, orderID)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	query := `
		SELECT id, token_in, token_out, amount, wallet, order_type, created_at
		FROM orders
		ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrPersistence, err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.TokenIn, &o.TokenOut, &o.Amount, &o.Wallet, &o.OrderType, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan order: %v", ErrPersistence, err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read orders: %v", ErrPersistence, err)
	}
	return orders, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("postgres not initialized")
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// mapPGError translates driver errors into the store's sentinel errors.
func mapPGError(err error, orderID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, orderID)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, orderID)
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
