package report

import (
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/types"
)

// Canonical column names shared by every layout.
const (
	colOrganization = "Название организации"
	colINN          = "ИНН"
	colKKTModel     = "Модель кассы"
	colKKTSerial    = "Заводской номер ККТ"
	colFNType       = "Тип ФН"
	colLastFD       = "Дата последнего ФД"
	colAddress      = "Адрес расчетов"
	colRegNumber    = "Регистрационный номер ККТ"
	colFNNumber     = "Номер ФН"
	colNote         = "Примечание"
	colSource       = "Источник"
	colMarking      = `Срок модуля "Маркировка"`

	firstOFDClient     = "Клиент"
	firstOFDFNEnd      = "Дата окончание действия ФН"
	firstOFDTariffStop = "Дата остановки тарифа"
	firstOFDStatus     = "Статус тарификации"
	firstOFDTariffName = "Наименование тарифа"
	firstOFDAddress    = "Адрес торговой точки"
)

// dateColumns are written as date cells in the report.
var dateColumns = map[string]bool{
	types.ColumnFNExpiry:  true,
	types.ColumnPaidUntil: true,
	colLastFD:             true,
	colMarking:            true,
}

// Layout names a recognised export format.
type Layout string

const (
	LayoutCanonical Layout = "canonical"
	LayoutOFDRu     Layout = "ofd-ru"
	LayoutFirstOFD  Layout = "first-ofd"
	LayoutUnknown   Layout = "unknown"
)

// record is one normalised row: column name to string or time.Time.
type record map[string]any

func (r record) date(column string) time.Time {
	if t, ok := r[column].(time.Time); ok {
		return t
	}
	return time.Time{}
}

// detectLayout picks the normaliser from header signatures. Files already in
// the canonical schema carry a "Источник" column.
func detectLayout(t *table) Layout {
	switch {
	case t.has(colSource):
		return LayoutCanonical
	case t.has(colKKTSerial, colKKTModel):
		return LayoutOFDRu
	case t.has(colRegNumber, colFNNumber, firstOFDFNEnd, firstOFDTariffStop):
		return LayoutFirstOFD
	default:
		return LayoutUnknown
	}
}

var ofdRuColumns = []string{
	colOrganization, colINN, colKKTModel, colKKTSerial, colFNType,
	types.ColumnFNExpiry, types.ColumnPaidUntil, colLastFD, colAddress, colNote, colSource,
}

func normalizeOFDRu(t *table, filter types.FilterKind) ([]string, []record) {
	out := make([]record, 0, len(t.rows))
	for _, row := range t.rows {
		fnExpiry := parseCellDate(row[types.ColumnFNExpiry])
		paidUntil := parseCellDate(row[types.ColumnPaidUntil])
		lastFD := parseCellDate(row[colLastFD])
		serial := cleanNumber(row[colKKTSerial])

		note := "Модель: " + row[colKKTModel] +
			", Номер: " + serial +
			", Тип ФН: " + row[colFNType] +
			lifetimeNote(filter, fnExpiry, paidUntil) +
			", Последний ФД: " + formatDate(lastFD)

		out = append(out, record{
			colOrganization:       row[colOrganization],
			colINN:                cleanNumber(row[colINN]),
			colKKTModel:           row[colKKTModel],
			colKKTSerial:          serial,
			colFNType:             row[colFNType],
			types.ColumnFNExpiry:  fnExpiry,
			types.ColumnPaidUntil: paidUntil,
			colLastFD:             lastFD,
			colAddress:            row[colAddress],
			colNote:               note,
			colSource:             "Пётр сервис",
		})
	}
	return ofdRuColumns, out
}

var firstOFDColumns = []string{
	colOrganization, colRegNumber, colFNNumber, colAddress,
	types.ColumnFNExpiry, types.ColumnPaidUntil, colNote, colSource,
}

func normalizeFirstOFD(t *table, filter types.FilterKind) ([]string, []record) {
	out := make([]record, 0, len(t.rows))
	for _, row := range t.rows {
		fnEnd := parseCellDate(row[firstOFDFNEnd])
		tariffStop := parseCellDate(row[firstOFDTariffStop])
		regNumber := cleanNumber(row[colRegNumber])

		note := "РНК: " + regNumber +
			", Статус тарифа: " + row[firstOFDStatus] + " " + row[firstOFDTariffName] +
			lifetimeNote(filter, fnEnd, tariffStop)

		out = append(out, record{
			colOrganization:       row[firstOFDClient],
			colRegNumber:          regNumber,
			colFNNumber:           cleanNumber(row[colFNNumber]),
			colAddress:            row[firstOFDAddress],
			types.ColumnFNExpiry:  fnEnd,
			types.ColumnPaidUntil: tariffStop,
			colNote:               note,
			colSource:             "Первый ОФД",
		})
	}
	return firstOFDColumns, out
}

// normalizeCanonical keeps the file's own columns and decodes date cells.
func normalizeCanonical(t *table) ([]string, []record) {
	columns := make([]string, 0, len(t.header))
	for _, h := range t.header {
		if h != "" {
			columns = append(columns, h)
		}
	}
	out := make([]record, 0, len(t.rows))
	for _, row := range t.rows {
		rec := make(record, len(columns))
		for _, c := range columns {
			if dateColumns[c] {
				if d := parseCellDate(row[c]); !d.IsZero() {
					rec[c] = d
					continue
				}
			}
			if c == colINN {
				rec[c] = cleanNumber(row[c])
				continue
			}
			rec[c] = row[c]
		}
		out = append(out, rec)
	}
	return columns, out
}

func lifetimeNote(filter types.FilterKind, fnExpiry, paidUntil time.Time) string {
	switch filter {
	case types.FilterDeviceLifetime:
		return ", Срок ФН: " + formatDate(fnExpiry)
	case types.FilterTariffExpiry:
		return ", Срок ОФД: " + formatDate(paidUntil)
	default:
		return ""
	}
}

// mergeColumns appends unseen columns in first-appearance order.
func mergeColumns(dst []string, seen map[string]bool, src []string) []string {
	for _, c := range src {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		dst = append(dst, c)
	}
	return dst
}
