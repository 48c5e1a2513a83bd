package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateAssignments,
		migrationCreatePayments,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateAssignments = `
CREATE TABLE IF NOT EXISTS assignments (
    id BIGSERIAL PRIMARY KEY,
    attempt_id VARCHAR(36) NOT NULL UNIQUE,
    vehicle_type VARCHAR(10) NOT NULL,
    vehicle_plate VARCHAR(20) NOT NULL,
    zone VARCHAR(1),
    slot_id VARCHAR(20),
    level VARCHAR(10),
    phase VARCHAR(20) NOT NULL,
    failure_kind VARCHAR(30),
    failure_message TEXT,
    recommend_calls INT NOT NULL DEFAULT 0,
    occupy_calls INT NOT NULL DEFAULT 0,
    entry_time TIMESTAMP WITH TIME ZONE NOT NULL,
    closed_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_assignments_attempt_id ON assignments(attempt_id);
CREATE INDEX IF NOT EXISTS idx_assignments_vehicle_plate ON assignments(vehicle_plate);
CREATE INDEX IF NOT EXISTS idx_assignments_entry_time ON assignments(entry_time);
`

const migrationCreatePayments = `
CREATE TABLE IF NOT EXISTS payments (
    id BIGSERIAL PRIMARY KEY,
    payment_id VARCHAR(36) NOT NULL UNIQUE,
    slot_id VARCHAR(20) NOT NULL,
    vehicle_plate VARCHAR(20) NOT NULL,
    entry_time TIMESTAMP WITH TIME ZONE NOT NULL,
    exit_time TIMESTAMP WITH TIME ZONE NOT NULL,
    duration_min DOUBLE PRECISION NOT NULL DEFAULT 0,
    amount NUMERIC(10, 2) NOT NULL,
    paid BOOLEAN NOT NULL DEFAULT false,
    paid_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_payments_payment_id ON payments(payment_id);
CREATE INDEX IF NOT EXISTS idx_payments_vehicle_plate ON payments(vehicle_plate);
`
