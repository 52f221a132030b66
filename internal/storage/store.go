package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	CreateConsumer(ctx context.Context, c model.Consumer) (model.Consumer, error)
	GetConsumer(ctx context.Context, id int64) (model.Consumer, error)
	GetConsumerByUserID(ctx context.Context, userID int64) (model.Consumer, error)
	ListConsumers(ctx context.Context) ([]model.Consumer, error)

	CreateWindow(ctx context.Context, w model.Window) (model.Window, error)
	GetOrCreateWindow(ctx context.Context, consumerID int64, start, end time.Time) (model.Window, error)
	GetWindow(ctx context.Context, id int64) (model.Window, error)
	ListWindows(ctx context.Context, consumerID int64, limit int) ([]WindowSummary, error)
	LatestPendingWindow(ctx context.Context, consumerID int64) (model.Window, error)
	PendingWindows(ctx context.Context, now time.Time, limit int) ([]model.Window, error)
	DeleteEmptyWindows(ctx context.Context, before time.Time) (int64, error)

	InsertReadings(ctx context.Context, readings []model.Reading) error
	ReadingsForWindow(ctx context.Context, windowID int64) ([]model.Reading, error)

	CreateAnalysis(ctx context.Context, a model.Analysis) (model.Analysis, error)
	GetAnalysisByWindow(ctx context.Context, windowID int64) (model.Analysis, error)
	ListAnalyses(ctx context.Context, consumerID int64, limit int) ([]model.Analysis, error)

	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error)
	UnnotifiedAnalyses(ctx context.Context, above float64, limit int) ([]UnnotifiedAnalysis, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]model.Notification, error)

	Stats(ctx context.Context) ([]model.ConsumerStats, error)
	Totals(ctx context.Context) (Totals, error)
	LabeledWindows(ctx context.Context) ([]model.LabeledWindow, error)
}

// Totals counts rows across all consumers.
type Totals struct {
	Consumers     int `json:"consumers" db:"consumers"`
	Windows       int `json:"windows" db:"windows"`
	Readings      int `json:"readings" db:"readings"`
	Analyses      int `json:"analyses" db:"analyses"`
	Notifications int `json:"notifications" db:"notifications"`
}

// UnnotifiedAnalysis is an analysis with no notification row, tagged with
// the consumer that owns its window.
type UnnotifiedAnalysis struct {
	model.Analysis
	ConsumerID int64 `json:"consumer_id" db:"consumer_id"`
}

// WindowSummary is a window with its reading count and its analysis, if any.
type WindowSummary struct {
	model.Window
	Readings    int      `json:"readings" db:"readings"`
	AnalysisID  *int64   `json:"analysis_id,omitempty" db:"analysis_id"`
	Probability *float64 `json:"probability,omitempty" db:"probability"`
	UrgeLabel   *int     `json:"urge_label,omitempty" db:"urge_label"`
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		st, err = NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		st, err = NewPostgres(cfg.DSN)
	default:
		return nil, apperr.Newf(apperr.CodeConfiguration, "unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if pool, ok := st.(interface{ setPool(int, int) }); ok {
		pool.setPool(cfg.MaxConns, cfg.MaxIdle)
	}
	return st, nil
}

// baseStore holds the queries shared by both dialects. Queries are written
// with ? placeholders and rebound for the driver.
type baseStore struct {
	db *sqlx.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) setPool(maxOpen, maxIdle int) {
	if maxOpen > 0 {
		b.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		b.db.SetMaxIdleConns(maxIdle)
	}
}

func (b *baseStore) q(query string) string {
	return b.db.Rebind(query)
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(err, "init schema")
		}
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &apperr.AppError{Code: apperr.CodeNotFound, Message: fmt.Sprintf(format, args...), Cause: err}
	}
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// WindowTime normalises a window boundary to UTC whole seconds.
func WindowTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

const consumerCols = `id, user_id, name, email, created_at`

func (b *baseStore) CreateConsumer(ctx context.Context, c model.Consumer) (model.Consumer, error) {
	if c.UserID <= 0 {
		return c, apperr.New(apperr.CodeInvalidInput, "consumer user_id must be positive")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	err := b.db.GetContext(ctx, &c.ID, b.q(
		`INSERT INTO consumers (user_id, name, email, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		c.UserID, c.Name, c.Email, c.CreatedAt)
	if err != nil {
		return c, apperr.Wrapf(err, "create consumer for user %d", c.UserID)
	}
	return c, nil
}

func (b *baseStore) GetConsumer(ctx context.Context, id int64) (model.Consumer, error) {
	var c model.Consumer
	err := b.db.GetContext(ctx, &c, b.q(`SELECT `+consumerCols+` FROM consumers WHERE id = ?`), id)
	if err != nil {
		return c, notFound(err, "consumer %d not found", id)
	}
	return c, nil
}

func (b *baseStore) GetConsumerByUserID(ctx context.Context, userID int64) (model.Consumer, error) {
	var c model.Consumer
	err := b.db.GetContext(ctx, &c, b.q(`SELECT `+consumerCols+` FROM consumers WHERE user_id = ?`), userID)
	if err != nil {
		return c, notFound(err, "no consumer for user %d", userID)
	}
	return c, nil
}

func (b *baseStore) ListConsumers(ctx context.Context) ([]model.Consumer, error) {
	var out []model.Consumer
	if err := b.db.SelectContext(ctx, &out, `SELECT `+consumerCols+` FROM consumers ORDER BY id`); err != nil {
		return nil, err
	}
	return out, nil
}

const windowCols = `w.id, w.consumer_id, w.window_start, w.window_end, w.created_at`

func (b *baseStore) CreateWindow(ctx context.Context, w model.Window) (model.Window, error) {
	w.WindowStart = WindowTime(w.WindowStart)
	w.WindowEnd = WindowTime(w.WindowEnd)
	if !w.WindowEnd.After(w.WindowStart) {
		return w, apperr.Newf(apperr.CodeInvalidInput, "window end %s must be after start %s", w.WindowEnd, w.WindowStart)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = nowUTC()
	}
	err := b.db.GetContext(ctx, &w.ID, b.q(
		`INSERT INTO windows (consumer_id, window_start, window_end, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		w.ConsumerID, w.WindowStart, w.WindowEnd, w.CreatedAt.UTC())
	if err != nil {
		return w, apperr.Wrapf(err, "create window for consumer %d", w.ConsumerID)
	}
	return w, nil
}

// GetOrCreateWindow returns the consumer's window starting at start, creating
// it when absent. Concurrent callers end up with the same row.
func (b *baseStore) GetOrCreateWindow(ctx context.Context, consumerID int64, start, end time.Time) (model.Window, error) {
	start, end = WindowTime(start), WindowTime(end)
	if !end.After(start) {
		return model.Window{}, apperr.Newf(apperr.CodeInvalidInput, "window end %s must be after start %s", end, start)
	}
	if _, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO windows (consumer_id, window_start, window_end, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_id, window_start) DO NOTHING`),
		consumerID, start, end, nowUTC()); err != nil {
		return model.Window{}, apperr.Wrapf(err, "create window for consumer %d", consumerID)
	}
	var w model.Window
	err := b.db.GetContext(ctx, &w, b.q(
		`SELECT `+windowCols+` FROM windows w WHERE w.consumer_id = ? AND w.window_start = ?`), consumerID, start)
	if err != nil {
		return w, notFound(err, "window for consumer %d at %s not found", consumerID, start)
	}
	return w, nil
}

func (b *baseStore) GetWindow(ctx context.Context, id int64) (model.Window, error) {
	var w model.Window
	err := b.db.GetContext(ctx, &w, b.q(`SELECT `+windowCols+` FROM windows w WHERE w.id = ?`), id)
	if err != nil {
		return w, notFound(err, "window %d not found", id)
	}
	return w, nil
}

// ListWindows returns newest first. consumerID 0 lists every consumer.
func (b *baseStore) ListWindows(ctx context.Context, consumerID int64, limit int) ([]WindowSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + windowCols + `,
		(SELECT COUNT(*) FROM readings r WHERE r.window_id = w.id) AS readings,
		a.id AS analysis_id, a.probability, a.urge_label
		FROM windows w LEFT JOIN analyses a ON a.window_id = w.id`
	args := []any{}
	if consumerID > 0 {
		query += ` WHERE w.consumer_id = ?`
		args = append(args, consumerID)
	}
	query += ` ORDER BY w.window_start DESC, w.id DESC LIMIT ?`
	args = append(args, limit)
	var out []WindowSummary
	if err := b.db.SelectContext(ctx, &out, b.q(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) LatestPendingWindow(ctx context.Context, consumerID int64) (model.Window, error) {
	var w model.Window
	err := b.db.GetContext(ctx, &w, b.q(
		`SELECT `+windowCols+` FROM windows w
		WHERE w.consumer_id = ?
		  AND NOT EXISTS (SELECT 1 FROM analyses a WHERE a.window_id = w.id)
		ORDER BY w.window_end DESC, w.id DESC
		LIMIT 1`), consumerID)
	if err != nil {
		return w, notFound(err, "consumer %d has no window awaiting analysis", consumerID)
	}
	return w, nil
}

// PendingWindows lists closed windows that have readings and no analysis,
// oldest first.
func (b *baseStore) PendingWindows(ctx context.Context, now time.Time, limit int) ([]model.Window, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []model.Window
	err := b.db.SelectContext(ctx, &out, b.q(
		`SELECT `+windowCols+` FROM windows w
		WHERE w.window_end <= ?
		  AND NOT EXISTS (SELECT 1 FROM analyses a WHERE a.window_id = w.id)
		  AND EXISTS (SELECT 1 FROM readings r WHERE r.window_id = w.id)
		ORDER BY w.window_end ASC, w.id ASC
		LIMIT ?`), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) DeleteEmptyWindows(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.q(
		`DELETE FROM windows
		WHERE window_end < ?
		  AND NOT EXISTS (SELECT 1 FROM readings r WHERE r.window_id = windows.id)
		  AND NOT EXISTS (SELECT 1 FROM analyses a WHERE a.window_id = windows.id)`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *baseStore) InsertReadings(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, b.q(
		`INSERT INTO readings (window_id, heart_rate, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range readings {
		created := r.CreatedAt
		if created.IsZero() {
			created = nowUTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.WindowID,
			r.HeartRate,
			r.AccelX, r.AccelY, r.AccelZ,
			r.GyroX, r.GyroY, r.GyroZ,
			created.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return apperr.Wrapf(err, "insert reading for window %d", r.WindowID)
		}
	}
	return tx.Commit()
}

func (b *baseStore) ReadingsForWindow(ctx context.Context, windowID int64) ([]model.Reading, error) {
	var out []model.Reading
	err := b.db.SelectContext(ctx, &out, b.q(
		`SELECT id, window_id, heart_rate, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z, created_at
		FROM readings WHERE window_id = ? ORDER BY created_at ASC, id ASC`), windowID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

const analysisCols = `a.id, a.window_id, a.probability, a.urge_label, a.model_id, a.created_at`

func (b *baseStore) CreateAnalysis(ctx context.Context, a model.Analysis) (model.Analysis, error) {
	if a.Probability < 0 || a.Probability > 1 {
		return a, apperr.Newf(apperr.CodeInvalidInput, "probability %v outside [0,1]", a.Probability)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	err := b.db.GetContext(ctx, &a.ID, b.q(
		`INSERT INTO analyses (window_id, probability, urge_label, model_id, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (window_id) DO NOTHING
		RETURNING id`),
		a.WindowID, a.Probability, a.UrgeLabel, a.ModelID, a.CreatedAt.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return a, apperr.Newf(apperr.CodeConflict, "window %d already has an analysis", a.WindowID)
	}
	if err != nil {
		return a, apperr.Wrapf(err, "create analysis for window %d", a.WindowID)
	}
	return a, nil
}

func (b *baseStore) GetAnalysisByWindow(ctx context.Context, windowID int64) (model.Analysis, error) {
	var a model.Analysis
	err := b.db.GetContext(ctx, &a, b.q(`SELECT `+analysisCols+` FROM analyses a WHERE a.window_id = ?`), windowID)
	if err != nil {
		return a, notFound(err, "window %d has no analysis", windowID)
	}
	return a, nil
}

// ListAnalyses returns newest first. consumerID 0 lists every consumer.
func (b *baseStore) ListAnalyses(ctx context.Context, consumerID int64, limit int) ([]model.Analysis, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Analysis
	var err error
	if consumerID > 0 {
		err = b.db.SelectContext(ctx, &out, b.q(
			`SELECT `+analysisCols+` FROM analyses a JOIN windows w ON w.id = a.window_id
			WHERE w.consumer_id = ? ORDER BY a.created_at DESC, a.id DESC LIMIT ?`), consumerID, limit)
	} else {
		err = b.db.SelectContext(ctx, &out, b.q(
			`SELECT `+analysisCols+` FROM analyses a ORDER BY a.created_at DESC, a.id DESC LIMIT ?`), limit)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

const notificationCols = `id, user_id, analysis_id, severity, message, created_at`

// CreateNotification inserts n unless the analysis already has one; the
// boolean reports whether a row was created.
func (b *baseStore) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}
	err := b.db.GetContext(ctx, &n.ID, b.q(
		`INSERT INTO notifications (user_id, analysis_id, severity, message, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (analysis_id) DO NOTHING
		RETURNING id`),
		n.UserID, n.AnalysisID, string(n.Severity), n.Message, n.CreatedAt.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		var existing model.Notification
		if err := b.db.GetContext(ctx, &existing, b.q(
			`SELECT `+notificationCols+` FROM notifications WHERE analysis_id = ?`), n.AnalysisID); err != nil {
			return n, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return n, false, apperr.Wrapf(err, "create notification for analysis %d", n.AnalysisID)
	}
	return n, true, nil
}

// UnnotifiedAnalyses lists scored analyses with probability strictly above
// the given value that have no notification, oldest first. Label-only rows
// are skipped.
func (b *baseStore) UnnotifiedAnalyses(ctx context.Context, above float64, limit int) ([]UnnotifiedAnalysis, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []UnnotifiedAnalysis
	err := b.db.SelectContext(ctx, &out, b.q(
		`SELECT `+analysisCols+`, w.consumer_id FROM analyses a
		JOIN windows w ON w.id = a.window_id
		LEFT JOIN notifications n ON n.analysis_id = a.id
		WHERE n.id IS NULL AND a.probability > ? AND a.model_id <> ?
		ORDER BY a.id ASC LIMIT ?`), above, model.LabelModelID, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListNotifications returns newest first. userID 0 lists every user.
func (b *baseStore) ListNotifications(ctx context.Context, userID int64, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Notification
	var err error
	if userID > 0 {
		err = b.db.SelectContext(ctx, &out, b.q(
			`SELECT `+notificationCols+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
			userID, limit)
	} else {
		err = b.db.SelectContext(ctx, &out, b.q(
			`SELECT `+notificationCols+` FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) Stats(ctx context.Context) ([]model.ConsumerStats, error) {
	var out []model.ConsumerStats
	err := b.db.SelectContext(ctx, &out, `SELECT c.id AS consumer_id,
		(SELECT COUNT(*) FROM windows w WHERE w.consumer_id = c.id) AS windows,
		(SELECT COUNT(*) FROM analyses a JOIN windows w ON w.id = a.window_id WHERE w.consumer_id = c.id) AS analyses,
		(SELECT COUNT(*) FROM notifications n WHERE n.user_id = c.user_id) AS notifications
		FROM consumers c ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *baseStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := b.db.GetContext(ctx, &t, `SELECT
		(SELECT COUNT(*) FROM consumers) AS consumers,
		(SELECT COUNT(*) FROM windows) AS windows,
		(SELECT COUNT(*) FROM readings) AS readings,
		(SELECT COUNT(*) FROM analyses) AS analyses,
		(SELECT COUNT(*) FROM notifications) AS notifications`)
	return t, err
}

// LabeledWindows returns every window that has an analysis, with its
// readings and the analysis urge label.
func (b *baseStore) LabeledWindows(ctx context.Context) ([]model.LabeledWindow, error) {
	type row struct {
		model.Window
		UrgeLabel int `db:"urge_label"`
	}
	var rows []row
	err := b.db.SelectContext(ctx, &rows, `SELECT `+windowCols+`, a.urge_label
		FROM windows w JOIN analyses a ON a.window_id = w.id
		ORDER BY w.id`)
	if err != nil {
		return nil, err
	}
	out := make([]model.LabeledWindow, 0, len(rows))
	for _, r := range rows {
		readings, err := b.ReadingsForWindow(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.LabeledWindow{Window: r.Window, Readings: readings, UrgeLabel: r.UrgeLabel})
	}
	return out, nil
}
