// Package report turns the claimed portal exports into one consolidated,
// date-filtered spreadsheet.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

const (
	// SheetName is the only sheet of the consolidated report.
	SheetName      = "Данные"
	maxColumnWidth = 80
	dateNumFmt     = "dd.mm.yyyy"
)

// Request selects the inputs and the window of one report.
type Request struct {
	Files     []string
	Filter    types.FilterKind
	Range     types.DateRange
	OutputDir string
}

// Result describes the produced report. Path is empty when no rows survived
// filtering.
type Result struct {
	Path    string
	Rows    int
	Columns []string
	// PerFile counts the rows kept from each input.
	PerFile map[string]int
	// Skipped lists inputs that could not be read or recognised.
	Skipped []string
}

// Builder reads, normalises, filters and writes reports.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// FileName is the report name for a window and filter, e.g.
// "01.04.2025-30.04.2025_fn.xlsx".
func FileName(rng types.DateRange, filter types.FilterKind) string {
	return fmt.Sprintf("%s-%s_%s.xlsx", rng.Start.Format(types.DateLayout), rng.End.Format(types.DateLayout), filter)
}

// Build processes req.Files in order. Inputs are never deleted here.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	dateColumn := req.Filter.DateColumn()
	if dateColumn == "" {
		return nil, errors.Errorf("unknown filter %q", req.Filter)
	}
	res := &Result{PerFile: make(map[string]int, len(req.Files))}

	seen := make(map[string]bool)
	var columns []string
	var records []record
	for _, path := range req.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger := log.With().Str("file", filepath.Base(path)).Logger()
		t, err := readTable(path)
		if err != nil {
			logger.Warn().Err(err).Msg("skip unreadable export")
			res.Skipped = append(res.Skipped, path)
			continue
		}

		var cols []string
		var rows []record
		layout := detectLayout(t)
		switch layout {
		case LayoutCanonical:
			cols, rows = normalizeCanonical(t)
		case LayoutOFDRu:
			cols, rows = normalizeOFDRu(t, req.Filter)
		case LayoutFirstOFD:
			cols, rows = normalizeFirstOFD(t, req.Filter)
		default:
			logger.Warn().Strs("header", t.header).Msg("skip export with unknown layout")
			res.Skipped = append(res.Skipped, path)
			continue
		}

		kept := filterRecords(rows, dateColumn, req.Range)
		res.PerFile[path] = len(kept)
		if len(kept) == 0 {
			logger.Warn().Str("layout", string(layout)).Int("rows", len(rows)).Msg("no rows left after filtering")
			continue
		}
		logger.Info().Str("layout", string(layout)).Int("rows", len(rows)).Int("kept", len(kept)).Msg("export processed")
		columns = mergeColumns(columns, seen, cols)
		records = append(records, kept...)
	}

	if len(records) == 0 {
		return res, nil
	}
	sortRecords(records, dateColumn)

	outDir := req.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output dir %s", outDir)
	}
	path := filepath.Join(outDir, FileName(req.Range, req.Filter))
	if err := writeReport(path, columns, records); err != nil {
		return nil, err
	}
	res.Path = path
	res.Rows = len(records)
	res.Columns = columns
	log.Info().Str("report", path).Int("rows", res.Rows).Msg("report written")
	return res, nil
}

func filterRecords(rows []record, dateColumn string, rng types.DateRange) []record {
	out := rows[:0:0]
	for _, r := range rows {
		if rng.Contains(r.date(dateColumn)) {
			out = append(out, r)
		}
	}
	return out
}

// sortRecords orders ascending by the date column; rows without a date go
// last and ties keep input order.
func sortRecords(rows []record, dateColumn string) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].date(dateColumn), rows[j].date(dateColumn)
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.Before(b)
		}
	})
}

func writeReport(path string, columns []string, rows []record) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return errors.Wrap(err, "rename report sheet")
	}

	numFmt := dateNumFmt
	dateStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	if err != nil {
		return errors.Wrap(err, "create date style")
	}

	widths := make([]int, len(columns))
	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
		widths[i] = utf8.RuneCountInString(c)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return errors.Wrap(err, "write report header")
	}

	for r, rec := range rows {
		values := make([]interface{}, len(columns))
		for i, c := range columns {
			switch v := rec[c].(type) {
			case time.Time:
				if v.IsZero() {
					values[i] = ""
					continue
				}
				values[i] = v
				widths[i] = max(widths[i], len(types.DateLayout))
			case string:
				values[i] = v
				widths[i] = max(widths[i], utf8.RuneCountInString(v))
			case nil:
				values[i] = ""
			default:
				s := fmt.Sprint(v)
				values[i] = s
				widths[i] = max(widths[i], utf8.RuneCountInString(s))
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return errors.Wrap(err, "report cell name")
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return errors.Wrapf(err, "write report row %d", r+1)
		}
	}

	for i, c := range columns {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return errors.Wrap(err, "report column name")
		}
		if err := f.SetColWidth(SheetName, name, name, float64(min(widths[i]+2, maxColumnWidth))); err != nil {
			return errors.Wrapf(err, "set width of %s", c)
		}
		if dateColumns[c] && len(rows) > 0 {
			if err := f.SetCellStyle(SheetName, name+"2", fmt.Sprintf("%s%d", name, len(rows)+1), dateStyle); err != nil {
				return errors.Wrapf(err, "style date column %s", c)
			}
		}
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create report %s", path)
	}
	writeErr := f.Write(out)
	closeErr := out.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if writeErr != nil {
			return errors.Wrapf(writeErr, "save report %s", path)
		}
		return errors.Wrapf(closeErr, "close report %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "finalize report %s", path)
	}
	return nil
}
