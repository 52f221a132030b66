package normalize

import (
	"math"
	"testing"
	"time"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
)

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	cases := []string{
		"2026-04-05T06:07:08Z",
		"2026-04-05 06:07:08",
		"2026-04-05T06:07:08",
		"1775369228",
		"1775369228000",
		"2026-04-05 06:07:08+00:00",
	}
	for _, c := range cases {
		got, err := ParseTimestamp(c, time.UTC)
		if err != nil {
			t.Fatalf("%q: %v", c, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: got %s want %s", c, got, want)
		}
	}
	frac, err := ParseTimestamp("1775369228.5", time.UTC)
	if err != nil || !frac.Equal(want.Add(500*time.Millisecond)) {
		t.Fatalf("fractional seconds: %s %v", frac, err)
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestNormalizeUsesDefaultConsumer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.Parser.DefaultConsumerID = 4
	ev, err := Normalize(EventFields{HeartRate: "72", AccelZ: "0.98"}, cfg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.ConsumerID != 4 || ev.HeartRate != 72 || ev.AccelZ != 0.98 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNormalizeRequiresConsumerAndHeartRate(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := Normalize(EventFields{HeartRate: "72"}, cfg); !apperr.Is(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected invalid input without consumer, got %v", err)
	}
	if _, err := Normalize(EventFields{ConsumerID: "1"}, cfg); !apperr.Is(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected invalid input without heart rate, got %v", err)
	}
	if _, err := Normalize(EventFields{ConsumerID: "x", HeartRate: "70"}, cfg); err == nil {
		t.Fatalf("expected error for non-numeric consumer")
	}
}

func TestSanitizeClampsAndRejects(t *testing.T) {
	ev := model.ReadingEvent{HeartRate: 190}
	if err := Sanitize(&ev); err != nil || ev.HeartRate != MaxHeartRate {
		t.Fatalf("expected clamp to %v, got %v (%v)", MaxHeartRate, ev.HeartRate, err)
	}
	ev = model.ReadingEvent{HeartRate: 20}
	if err := Sanitize(&ev); err != nil || ev.HeartRate != MinHeartRate {
		t.Fatalf("expected clamp to %v, got %v", MinHeartRate, ev.HeartRate)
	}
	ev = model.ReadingEvent{HeartRate: 70, AccelX: 20}
	if err := Sanitize(&ev); !apperr.Is(err, apperr.CodeInvalidInput) {
		t.Fatalf("expected accel range error, got %v", err)
	}
	ev = model.ReadingEvent{HeartRate: 70, GyroY: math.NaN()}
	if err := Sanitize(&ev); err == nil {
		t.Fatalf("expected NaN rejection")
	}
}
