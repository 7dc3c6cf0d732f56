package report

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// table is the first sheet of a workbook keyed by trimmed header names.
type table struct {
	header []string
	rows   []map[string]string
}

func (t *table) has(columns ...string) bool {
	for _, c := range columns {
		found := false
		for _, h := range t.header {
			if h == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// readTable loads the first sheet. Cell values are read raw so date cells
// arrive as serial numbers and are decoded by parseCellDate.
func readTable(path string) (*table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open workbook %s", path)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, errors.Wrapf(err, "read sheet %s", sheets[0])
	}
	if len(rows) == 0 {
		return &table{}, nil
	}

	t := &table{header: make([]string, len(rows[0]))}
	for i, h := range rows[0] {
		t.header[i] = strings.TrimSpace(h)
	}
	for _, raw := range rows[1:] {
		row := make(map[string]string, len(t.header))
		blank := true
		for i, name := range t.header {
			if name == "" || i >= len(raw) {
				continue
			}
			v := strings.TrimSpace(raw[i])
			if v != "" {
				blank = false
			}
			row[name] = v
		}
		if !blank {
			t.rows = append(t.rows, row)
		}
	}
	return t, nil
}

// excelMaxSerial is 9999-12-31 in the 1900 date system.
const excelMaxSerial = 2958465

// parseCellDate decodes an Excel serial or a textual date. The zero time
// means "no date".
func parseCellDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		if serial <= 0 || serial > excelMaxSerial || math.IsNaN(serial) {
			return time.Time{}
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	}
	t, err := types.ParseLooseDate(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(types.DateLayout)
}

// cleanNumber renders "7700000000.0" style raw numerics as integers so INN
// and serial numbers survive the round trip as text.
func cleanNumber(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.ContainsAny(raw, ".eE") {
		return raw
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1e15 {
		return raw
	}
	return strconv.FormatInt(int64(f), 10)
}
