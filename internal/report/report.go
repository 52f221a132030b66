// Package report exports windows, their features and analyses to an XLSX
// workbook for offline review.
package report

import (
	"context"
	"sort"

	"github.com/xuri/excelize/v2"

	"cravewatch/internal/apperr"
	"cravewatch/internal/features"
	"cravewatch/internal/storage"
)

const (
	FeaturesSheet = "Features"
	AnalysesSheet = "Analyses"
	timeLayout    = "2006-01-02 15:04:05"
	exportLimit   = 1 << 30
)

var analysisHeader = []string{"Analysis ID", "Window ID", "Probability", "Urge Label", "Model", "Created At"}

func featureHeader() []string {
	h := []string{"Window ID", "Consumer ID", "Window Start", "Window End", "Readings"}
	h = append(h, features.Names[:]...)
	return append(h, "Urge Label")
}

// Summary counts the rows written to each sheet.
type Summary struct {
	Windows  int `json:"windows"`
	Analyses int `json:"analyses"`
}

// Export writes the workbook to path. consumerID 0 exports every consumer.
func Export(ctx context.Context, store storage.Store, consumerID int64, path string) (Summary, error) {
	var sum Summary
	windows, err := store.ListWindows(ctx, consumerID, exportLimit)
	if err != nil {
		return sum, apperr.Wrap(err, "list windows")
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].ID < windows[j].ID })

	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(FeaturesSheet)
	if err != nil {
		return sum, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return sum, err
	}
	if _, err := f.NewSheet(AnalysesSheet); err != nil {
		return sum, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return sum, err
	}
	if err := writeRow(f, FeaturesSheet, 1, toAny(featureHeader()), header); err != nil {
		return sum, err
	}
	if err := writeRow(f, AnalysesSheet, 1, toAny(analysisHeader), header); err != nil {
		return sum, err
	}

	row := 2
	for _, w := range windows {
		readings, err := store.ReadingsForWindow(ctx, w.ID)
		if err != nil {
			return sum, apperr.Wrapf(err, "readings for window %d", w.ID)
		}
		vec := features.Extract(readings)
		values := []any{w.ID, w.ConsumerID, w.WindowStart.UTC().Format(timeLayout), w.WindowEnd.UTC().Format(timeLayout), len(readings)}
		for _, v := range vec {
			values = append(values, v)
		}
		if w.UrgeLabel != nil {
			values = append(values, *w.UrgeLabel)
		} else {
			values = append(values, "")
		}
		if err := writeRow(f, FeaturesSheet, row, values, 0); err != nil {
			return sum, err
		}
		row++
		sum.Windows++
	}

	analyses, err := store.ListAnalyses(ctx, consumerID, exportLimit)
	if err != nil {
		return sum, apperr.Wrap(err, "list analyses")
	}
	sort.Slice(analyses, func(i, j int) bool { return analyses[i].ID < analyses[j].ID })
	for i, a := range analyses {
		values := []any{a.ID, a.WindowID, a.Probability, a.UrgeLabel, a.ModelID, a.CreatedAt.UTC().Format(timeLayout)}
		if err := writeRow(f, AnalysesSheet, i+2, values, 0); err != nil {
			return sum, err
		}
		sum.Analyses++
	}

	if err := f.SetColWidth(FeaturesSheet, "C", "D", 20); err != nil {
		return sum, err
	}
	if err := f.SetColWidth(AnalysesSheet, "E", "F", 22); err != nil {
		return sum, err
	}
	if err := f.SaveAs(path); err != nil {
		return sum, apperr.Wrapf(err, "save workbook %s", path)
	}
	return sum, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any, style int) error {
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, start, &values); err != nil {
		return err
	}
	if style == 0 {
		return nil
	}
	end, err := excelize.CoordinatesToCellName(len(values), row)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
