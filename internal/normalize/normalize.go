package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

const (
	MinHeartRate = 50.0
	MaxHeartRate = 150.0
	// MaxAccel bounds each accelerometer axis, in g.
	MaxAccel = 16.0
	// MaxGyro bounds each gyroscope axis, in rad/s.
	MaxGyro = 35.0
)

// EventFields are the raw string values a parser pulled out of one record.
type EventFields struct {
	Timestamp  string
	ConsumerID string
	HeartRate  string
	AccelX     string
	AccelY     string
	AccelZ     string
	GyroX      string
	GyroY      string
	GyroZ      string
	Source     string
	Raw        string
}

func Normalize(fields EventFields, cfg *config.Config) (model.ReadingEvent, error) {
	ev := model.ReadingEvent{Source: fields.Source, Raw: fields.Raw}
	if ev.Source == "" {
		ev.Source = "log"
	}

	consumer := strings.TrimSpace(fields.ConsumerID)
	if consumer == "" {
		ev.ConsumerID = cfg.Ingest.Parser.DefaultConsumerID
	} else {
		id, err := strconv.ParseInt(consumer, 10, 64)
		if err != nil {
			return ev, apperr.Newf(apperr.CodeInvalidInput, "consumer id %q is not an integer", consumer)
		}
		ev.ConsumerID = id
	}
	if ev.ConsumerID <= 0 {
		return ev, apperr.New(apperr.CodeInvalidInput, "consumer id required")
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	ev.Timestamp = time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return ev, apperr.Wrap(apperr.WithCode(apperr.CodeInvalidInput, err), "parse timestamp")
		}
		ev.Timestamp = parsed.UTC()
	}

	if strings.TrimSpace(fields.HeartRate) == "" {
		return ev, apperr.New(apperr.CodeInvalidInput, "heart_rate required")
	}
	targets := []struct {
		name  string
		value string
		dst   *float64
	}{
		{"heart_rate", fields.HeartRate, &ev.HeartRate},
		{"accel_x", fields.AccelX, &ev.AccelX},
		{"accel_y", fields.AccelY, &ev.AccelY},
		{"accel_z", fields.AccelZ, &ev.AccelZ},
		{"gyro_x", fields.GyroX, &ev.GyroX},
		{"gyro_y", fields.GyroY, &ev.GyroY},
		{"gyro_z", fields.GyroZ, &ev.GyroZ},
	}
	for _, t := range targets {
		v := strings.TrimSpace(t.value)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return ev, apperr.Newf(apperr.CodeInvalidInput, "%s %q is not a number", t.name, v)
		}
		*t.dst = f
	}
	if err := Sanitize(&ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// Sanitize clamps heart rate into range and rejects non-finite or
// out-of-range motion values.
func Sanitize(ev *model.ReadingEvent) error {
	values := []struct {
		name string
		v    float64
		max  float64
	}{
		{"heart_rate", ev.HeartRate, 0},
		{"accel_x", ev.AccelX, MaxAccel},
		{"accel_y", ev.AccelY, MaxAccel},
		{"accel_z", ev.AccelZ, MaxAccel},
		{"gyro_x", ev.GyroX, MaxGyro},
		{"gyro_y", ev.GyroY, MaxGyro},
		{"gyro_z", ev.GyroZ, MaxGyro},
	}
	for _, f := range values {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return apperr.Newf(apperr.CodeInvalidInput, "%s is not finite", f.name)
		}
		if f.max > 0 && math.Abs(f.v) > f.max {
			return apperr.Newf(apperr.CodeInvalidInput, "%s %.3f outside ±%.0f", f.name, f.v, f.max)
		}
	}
	ev.HeartRate = ClampHeartRate(ev.HeartRate)
	return nil
}

func ClampHeartRate(hr float64) float64 {
	return math.Min(MaxHeartRate, math.Max(MinHeartRate, hr))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05-07:00",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if strings.Contains(layout, "07") {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

// parseUnix reads seconds, fractional seconds or, from 13 integer digits on,
// milliseconds.
func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
