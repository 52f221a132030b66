package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/cravewatch?sslmode=disable"
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

// NewPostgresDB wraps an open database handle speaking the PostgreSQL dialect.
func NewPostgresDB(db *sql.DB) Store {
	return &postgresStore{baseStore{db: sqlx.NewDb(db, "pgx")}}
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS consumers (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			id BIGSERIAL PRIMARY KEY,
			consumer_id BIGINT NOT NULL REFERENCES consumers(id) ON DELETE CASCADE,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (window_end > window_start),
			UNIQUE (consumer_id, window_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_windows_end ON windows(window_end)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			window_id BIGINT NOT NULL REFERENCES windows(id) ON DELETE CASCADE,
			heart_rate DOUBLE PRECISION NOT NULL CHECK (heart_rate BETWEEN 50 AND 150),
			accel_x DOUBLE PRECISION NOT NULL,
			accel_y DOUBLE PRECISION NOT NULL,
			accel_z DOUBLE PRECISION NOT NULL,
			gyro_x DOUBLE PRECISION NOT NULL,
			gyro_y DOUBLE PRECISION NOT NULL,
			gyro_z DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_window ON readings(window_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			id BIGSERIAL PRIMARY KEY,
			window_id BIGINT NOT NULL UNIQUE REFERENCES windows(id) ON DELETE CASCADE,
			probability DOUBLE PRECISION NOT NULL CHECK (probability >= 0 AND probability <= 1),
			urge_label SMALLINT NOT NULL CHECK (urge_label IN (0, 1)),
			model_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			analysis_id BIGINT NOT NULL UNIQUE REFERENCES analyses(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
	})
}
