package storage

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

// SQLiteDSN builds a modernc DSN for path with foreign keys enforced.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = SQLiteDSN("cravewatch.db")
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; readers share the connection.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS consumers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			consumer_id INTEGER NOT NULL REFERENCES consumers(id) ON DELETE CASCADE,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			CHECK (window_end > window_start),
			UNIQUE (consumer_id, window_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_windows_end ON windows(window_end)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_id INTEGER NOT NULL REFERENCES windows(id) ON DELETE CASCADE,
			heart_rate REAL NOT NULL CHECK (heart_rate BETWEEN 50 AND 150),
			accel_x REAL NOT NULL,
			accel_y REAL NOT NULL,
			accel_z REAL NOT NULL,
			gyro_x REAL NOT NULL,
			gyro_y REAL NOT NULL,
			gyro_z REAL NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_window ON readings(window_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_id INTEGER NOT NULL UNIQUE REFERENCES windows(id) ON DELETE CASCADE,
			probability REAL NOT NULL CHECK (probability >= 0 AND probability <= 1),
			urge_label INTEGER NOT NULL CHECK (urge_label IN (0, 1)),
			model_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			analysis_id INTEGER NOT NULL UNIQUE REFERENCES analyses(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
	})
}
