package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"cravewatch/internal/apperr"
	"cravewatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`([a-zA-Z_]+)=([^\s,;]+)`)
)

// fieldAliases maps accepted key spellings to canonical field names.
var fieldAliases = map[string]string{
	"timestamp":   "timestamp",
	"time":        "timestamp",
	"ts":          "timestamp",
	"created_at":  "timestamp",
	"consumer_id": "consumer_id",
	"consumer":    "consumer_id",
	"consumerid":  "consumer_id",
	"subject_id":  "consumer_id",
	"heart_rate":  "heart_rate",
	"heartrate":   "heart_rate",
	"hr":          "heart_rate",
	"bpm":         "heart_rate",
	"accel_x":     "accel_x",
	"acc_x":       "accel_x",
	"ax":          "accel_x",
	"accel_y":     "accel_y",
	"acc_y":       "accel_y",
	"ay":          "accel_y",
	"accel_z":     "accel_z",
	"acc_z":       "accel_z",
	"az":          "accel_z",
	"gyro_x":      "gyro_x",
	"gx":          "gyro_x",
	"gyro_y":      "gyro_y",
	"gy":          "gyro_y",
	"gyro_z":      "gyro_z",
	"gz":          "gyro_z",
}

// positional is the column order of header-less CSV lines.
var positional = []string{"timestamp", "consumer_id", "heart_rate", "accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z"}

// Parser turns one line or message into reading fields. It remembers a CSV
// header, so each stream should own its Parser.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns no records and no error for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) ([]normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if trim[0] == '{' || trim[0] == '[' {
		return ParseJSON([]byte(trim))
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err != nil || fields == nil {
			return nil, err
		}
		fields.Raw = line
		return []normalize.EventFields{*fields}, nil
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return []normalize.EventFields{*fields}, nil
}

// parsePlain reads "key=value" pairs with an optional leading timestamp.
func parsePlain(line string) (*normalize.EventFields, error) {
	fields := &normalize.EventFields{}
	if m := reTimestamp.FindStringSubmatch(line); len(m) == 2 {
		fields.Timestamp = strings.TrimSpace(m[1])
	}
	matches := reKV.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "no key=value pairs in %q", line)
	}
	for _, match := range matches {
		assignField(fields, match[1], match[2])
	}
	return fields, nil
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, apperr.Wrap(apperr.WithCode(apperr.CodeInvalidInput, err), "parse csv")
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	names := p.header
	if names == nil {
		names = positional
	}
	fields := &normalize.EventFields{}
	for i, name := range names {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if _, ok := fieldAliases[strings.ToLower(strings.TrimSpace(v))]; ok {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// assignField stores value under the canonical name of key; unknown keys are
// ignored.
func assignField(fields *normalize.EventFields, key, value string) {
	value = strings.TrimSpace(value)
	switch fieldAliases[strings.ToLower(strings.TrimSpace(key))] {
	case "timestamp":
		fields.Timestamp = value
	case "consumer_id":
		fields.ConsumerID = value
	case "heart_rate":
		fields.HeartRate = value
	case "accel_x":
		fields.AccelX = value
	case "accel_y":
		fields.AccelY = value
	case "accel_z":
		fields.AccelZ = value
	case "gyro_x":
		fields.GyroX = value
	case "gyro_y":
		fields.GyroY = value
	case "gyro_z":
		fields.GyroZ = value
	}
}
