package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, rows [][]interface{}) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("write fixture row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save fixture: %v", err)
	}
}

func april(t *testing.T) types.DateRange {
	t.Helper()
	rng, err := types.NewDateRange(
		time.Date(2025, time.April, 1, 0, 0, 0, 0, time.Local),
		time.Date(2025, time.April, 30, 0, 0, 0, 0, time.Local),
	)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	return rng
}

func fixtures(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	ofdRu := filepath.Join(dir, "1.xlsx")
	writeWorkbook(t, ofdRu, [][]interface{}{
		{"Название организации", "ИНН", "Модель кассы", "Заводской номер ККТ", "Тип ФН", "Окончание срока ФН", "Касса оплачена до", "Дата последнего ФД", "Адрес расчетов"},
		{"ООО А", 7700000001, "Атол 30Ф", "0001", "15 мес", time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC), "01.06.2025", "2025-03-30", "Москва"},
		{"ООО Б", 7700000002, "Атол 30Ф", "0002", "15 мес", "05.05.2025", "01.06.2025", "", "Тверь"},
		{"ООО В", 7700000003, "Эвотор", "0003", "36 мес", "2025-04-03", "", "", "Казань"},
	})
	firstOFD := filepath.Join(dir, "2.xlsx")
	writeWorkbook(t, firstOFD, [][]interface{}{
		{"Клиент   ", "Регистрационный номер ККТ   ", "Номер ФН   ", "Дата окончание действия ФН   ", "Дата остановки тарифа   ", "Статус тарификации   ", "Наименование тарифа   ", "Адрес торговой точки   "},
		{"ИП Г", "0000123456", "9960440300001", "10.04.2025", "12.12.2025", "Активен", "Год", "Самара"},
	})
	sigma := filepath.Join(dir, "3.xlsx")
	writeWorkbook(t, sigma, [][]interface{}{
		{"Название организации", "ИНН", "Окончание срока ФН", "Тариф Sigma", "Касса оплачена до", "Тип бизнеса", "Кол-во касс", `Срок модуля "Маркировка"`, "Примечание", "Источник"},
		{"ООО Д", "7700000004", "15.04.2025", "Базовый", "20.05.2025", "retail", "2", "", "Указан срок оплаты касс по тарифам Sigma", "АТОЛ Sigma"},
		{"ООО Е", "7700000005", "", "Базовый", "20.05.2025", "retail", "1", "", "Указан срок оплаты касс по тарифам Sigma", "АТОЛ Sigma"},
	})
	unknown := filepath.Join(dir, "4.xlsx")
	writeWorkbook(t, unknown, [][]interface{}{{"что-то", "другое"}, {"1", "2"}})
	broken := filepath.Join(dir, "5.xlsx")
	if err := os.WriteFile(broken, []byte("not a workbook"), 0o644); err != nil {
		t.Fatalf("write broken fixture: %v", err)
	}
	return dir, []string{ofdRu, firstOFD, sigma, unknown, broken}
}

func TestBuildMergesFiltersAndSorts(t *testing.T) {
	_, files := fixtures(t)
	out := t.TempDir()
	res, err := NewBuilder().Build(context.Background(), Request{
		Files:     files,
		Filter:    types.FilterDeviceLifetime,
		Range:     april(t),
		OutputDir: out,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Rows != 4 {
		t.Fatalf("expected 4 rows, got %d", res.Rows)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("expected unknown and broken inputs to be skipped, got %v", res.Skipped)
	}
	if res.PerFile[files[0]] != 2 || res.PerFile[files[1]] != 1 || res.PerFile[files[2]] != 1 {
		t.Fatalf("unexpected per-file counts %v", res.PerFile)
	}
	if filepath.Base(res.Path) != "01.04.2025-30.04.2025_fn.xlsx" {
		t.Fatalf("unexpected report name %s", res.Path)
	}

	wb, err := excelize.OpenFile(res.Path)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer wb.Close()
	if wb.GetSheetName(0) != SheetName {
		t.Fatalf("unexpected sheet %q", wb.GetSheetName(0))
	}
	rows, err := wb.GetRows(SheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	header := rows[0]
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}
	for _, col := range []string{"Название организации", "Регистрационный номер ККТ", "Тариф Sigma", "Примечание", "Источник"} {
		if _, ok := index[col]; !ok {
			t.Fatalf("missing column %q in %v", col, header)
		}
	}
	cell := func(row []string, col string) string {
		i := index[col]
		if i >= len(row) {
			return ""
		}
		return row[i]
	}

	var orgs []string
	for _, row := range rows[1:] {
		orgs = append(orgs, cell(row, "Название организации"))
	}
	if strings.Join(orgs, ",") != "ООО В,ИП Г,ООО Д,ООО А" {
		t.Fatalf("unexpected order %v", orgs)
	}
	if got := parseCellDate(cell(rows[4], types.ColumnFNExpiry)); !got.Equal(time.Date(2025, 4, 20, 0, 0, 0, 0, time.Local)) {
		t.Fatalf("unexpected FN expiry %v", got)
	}
	if got := cell(rows[1], "Примечание"); got != "Модель: Эвотор, Номер: 0003, Тип ФН: 36 мес, Срок ФН: 03.04.2025, Последний ФД: " {
		t.Fatalf("unexpected ofd.ru note %q", got)
	}
	if got := cell(rows[2], "Примечание"); got != "РНК: 0000123456, Статус тарифа: Активен Год, Срок ФН: 10.04.2025" {
		t.Fatalf("unexpected first ofd note %q", got)
	}
	if cell(rows[2], "Источник") != "Первый ОФД" || cell(rows[1], "Источник") != "Пётр сервис" || cell(rows[3], "Источник") != "АТОЛ Sigma" {
		t.Fatalf("unexpected source labels")
	}
	if cell(rows[4], "ИНН") != "7700000001" {
		t.Fatalf("INN should stay an integer string, got %q", cell(rows[4], "ИНН"))
	}
}

func TestBuildTariffFilterUsesPaidUntil(t *testing.T) {
	_, files := fixtures(t)
	rng, _ := types.NewDateRange(time.Date(2025, 5, 1, 0, 0, 0, 0, time.Local), time.Date(2025, 6, 30, 0, 0, 0, 0, time.Local))
	res, err := NewBuilder().Build(context.Background(), Request{
		Files:     files[:3],
		Filter:    types.FilterTariffExpiry,
		Range:     rng,
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// two ofd.ru rows paid until 01.06, two sigma rows until 20.05
	if res.Rows != 4 {
		t.Fatalf("expected 4 rows, got %d", res.Rows)
	}
	if !strings.HasSuffix(res.Path, "01.05.2025-30.06.2025_tariff.xlsx") {
		t.Fatalf("unexpected path %s", res.Path)
	}
}

func TestBuildWithoutRowsWritesNothing(t *testing.T) {
	_, files := fixtures(t)
	out := t.TempDir()
	rng, _ := types.NewDateRange(time.Date(2030, 1, 1, 0, 0, 0, 0, time.Local), time.Date(2030, 1, 31, 0, 0, 0, 0, time.Local))
	res, err := NewBuilder().Build(context.Background(), Request{Files: files, Filter: types.FilterDeviceLifetime, Range: rng, OutputDir: out})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Rows != 0 || res.Path != "" {
		t.Fatalf("expected empty result, got %+v", res)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("no report should be written")
	}
}

func TestBuildRejectsUnknownFilter(t *testing.T) {
	if _, err := NewBuilder().Build(context.Background(), Request{Filter: "weekly"}); err == nil {
		t.Fatalf("expected error for unknown filter")
	}
}

func TestParseCellDate(t *testing.T) {
	want := time.Date(2025, 4, 20, 0, 0, 0, 0, time.Local)
	for _, raw := range []string{"45767", "45767.75", "20.04.2025", "2025-04-20"} {
		if got := parseCellDate(raw); !got.Equal(want) {
			t.Fatalf("parseCellDate(%q) = %v, want %v", raw, got, want)
		}
	}
	for _, raw := range []string{"", "-3", "n/a"} {
		if got := parseCellDate(raw); !got.IsZero() {
			t.Fatalf("parseCellDate(%q) should be zero, got %v", raw, got)
		}
	}
}
