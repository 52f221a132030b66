package ingest

import "testing"

func TestParseKeyValue(t *testing.T) {
	p := NewParser()
	line := "2026-02-23 12:34:56 consumer=3 hr=88.5 ax=0.1 ay=-0.2 az=0.98 gx=0.01 gy=0.02 gz=-0.03"
	records, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: %d", len(records))
	}
	f := records[0]
	if f.Timestamp != "2026-02-23 12:34:56" {
		t.Fatalf("timestamp: %q", f.Timestamp)
	}
	if f.ConsumerID != "3" || f.HeartRate != "88.5" {
		t.Fatalf("consumer/hr: %q %q", f.ConsumerID, f.HeartRate)
	}
	if f.AccelY != "-0.2" || f.GyroZ != "-0.03" {
		t.Fatalf("motion: %q %q", f.AccelY, f.GyroZ)
	}
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser()
	if records, err := p.ParseLine("ts,consumer_id,bpm,accel_x,accel_y,accel_z"); err != nil || records != nil {
		t.Fatalf("expected header to return nothing, got %v %v", records, err)
	}
	records, err := p.ParseLine("2026-02-23T12:34:56Z,4,91,0.5,0.4,0.3")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 1 || records[0].ConsumerID != "4" || records[0].HeartRate != "91" || records[0].AccelZ != "0.3" {
		t.Fatalf("csv parse mismatch: %+v", records)
	}
	if records[0].GyroX != "" {
		t.Fatalf("gyro should be empty")
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	records, err := p.ParseLine("1708691696,2,75,0,0,1,0,0,0")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if records[0].Timestamp != "1708691696" || records[0].ConsumerID != "2" || records[0].AccelZ != "1" {
		t.Fatalf("positional mismatch: %+v", records[0])
	}
}

func TestParseJSONAliasesAndNesting(t *testing.T) {
	p := NewParser()
	line := `{"time":"2026-02-23T12:34:56Z","consumer":5,"heartRate":101,"accel":{"x":1.2,"y":0,"z":-0.5},"gyroscope":{"x":0.3}}`
	records, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	f := records[0]
	if f.ConsumerID != "5" || f.HeartRate != "101" {
		t.Fatalf("json parse mismatch: %+v", f)
	}
	if f.AccelX != "1.2" || f.AccelZ != "-0.5" || f.GyroX != "0.3" {
		t.Fatalf("nested motion mismatch: %+v", f)
	}
}

func TestParseJSONArray(t *testing.T) {
	records, err := ParseJSON([]byte(`[{"consumer_id":1,"hr":70},{"consumer_id":1,"hr":72}]`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 2 || records[1].HeartRate != "72" {
		t.Fatalf("array mismatch: %+v", records)
	}

	records, err = ParseJSON([]byte(`{"readings":[{"consumer_id":1,"hr":70}]}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("wrapped readings: %v %v", records, err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	p := NewParser()
	if _, err := p.ParseLine("{not json"); err == nil {
		t.Fatalf("expected json error")
	}
	if _, err := p.ParseLine("hello world"); err == nil {
		t.Fatalf("expected error for line without pairs")
	}
	if records, err := p.ParseLine("   "); err != nil || records != nil {
		t.Fatalf("blank line should be skipped")
	}
}
