package model

import "time"

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// LabelModelID marks analyses that only carry a training label.
const LabelModelID = "manual_label"

type Consumer struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Window struct {
	ID          int64     `json:"id" db:"id"`
	ConsumerID  int64     `json:"consumer_id" db:"consumer_id"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (w Window) Duration() time.Duration {
	return w.WindowEnd.Sub(w.WindowStart)
}

// Closed reports whether no further readings belong to the window at now.
func (w Window) Closed(now time.Time) bool {
	return !now.Before(w.WindowEnd)
}

type Reading struct {
	ID        int64     `json:"id" db:"id"`
	WindowID  int64     `json:"window_id" db:"window_id"`
	HeartRate float64   `json:"heart_rate" db:"heart_rate"`
	AccelX    float64   `json:"accel_x" db:"accel_x"`
	AccelY    float64   `json:"accel_y" db:"accel_y"`
	AccelZ    float64   `json:"accel_z" db:"accel_z"`
	GyroX     float64   `json:"gyro_x" db:"gyro_x"`
	GyroY     float64   `json:"gyro_y" db:"gyro_y"`
	GyroZ     float64   `json:"gyro_z" db:"gyro_z"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Analysis struct {
	ID          int64     `json:"id" db:"id"`
	WindowID    int64     `json:"window_id" db:"window_id"`
	Probability float64   `json:"probability" db:"probability"`
	UrgeLabel   int       `json:"urge_label" db:"urge_label"`
	ModelID     string    `json:"model_id" db:"model_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Notification struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	AnalysisID int64     `json:"analysis_id" db:"analysis_id"`
	Severity   Severity  `json:"severity" db:"severity"`
	Message    string    `json:"message" db:"message"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ReadingEvent is a normalized sample on its way into a window.
type ReadingEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	ConsumerID int64     `json:"consumer_id"`
	HeartRate  float64   `json:"heart_rate"`
	AccelX     float64   `json:"accel_x"`
	AccelY     float64   `json:"accel_y"`
	AccelZ     float64   `json:"accel_z"`
	GyroX      float64   `json:"gyro_x"`
	GyroY      float64   `json:"gyro_y"`
	GyroZ      float64   `json:"gyro_z"`
	Source     string    `json:"source,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

func (ev ReadingEvent) Reading(windowID int64) Reading {
	return Reading{
		WindowID:  windowID,
		HeartRate: ev.HeartRate,
		AccelX:    ev.AccelX,
		AccelY:    ev.AccelY,
		AccelZ:    ev.AccelZ,
		GyroX:     ev.GyroX,
		GyroY:     ev.GyroY,
		GyroZ:     ev.GyroZ,
		CreatedAt: ev.Timestamp,
	}
}

type PredictResult struct {
	Success          bool      `json:"success"`
	Probability      float64   `json:"probability"`
	RiskLevel        RiskLevel `json:"risk_level"`
	AnalysisID       int64     `json:"analysis_id"`
	WindowID         int64     `json:"window_id,omitempty"`
	NotificationSent bool      `json:"notification_sent"`
	Error            string    `json:"error,omitempty"`
}

type ConsumerStats struct {
	ConsumerID    int64 `json:"consumer_id" db:"consumer_id"`
	Windows       int   `json:"windows" db:"windows"`
	Analyses      int   `json:"analyses" db:"analyses"`
	Notifications int   `json:"notifications" db:"notifications"`
}

// LabeledWindow is a training row source: one window's readings with the
// urge label of its analysis.
type LabeledWindow struct {
	Window    Window
	Readings  []Reading
	UrgeLabel int
}

// Snapshot is the latest scored window of a consumer, kept in memory for the
// status API.
type Snapshot struct {
	ConsumerID       int64              `json:"consumer_id"`
	UserID           int64              `json:"user_id"`
	WindowID         int64              `json:"window_id"`
	WindowStart      time.Time          `json:"window_start"`
	WindowEnd        time.Time          `json:"window_end"`
	Readings         int                `json:"readings"`
	Features         map[string]float64 `json:"features"`
	Probability      float64            `json:"probability"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	AnalysisID       int64              `json:"analysis_id"`
	ModelID          string             `json:"model_id"`
	NotificationSent bool               `json:"notification_sent"`
	UpdatedAt        time.Time          `json:"updated_at"`
}
