package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

const (
	sigmaSheet      = "Sheet1"
	sigmaNote       = "Указан срок оплаты касс по тарифам Sigma"
	sigmaSourceName = "АТОЛ Sigma"
)

// SigmaColumns is the header row the direct driver writes. The report
// builder recognises this layout by the "Источник" column.
var SigmaColumns = []string{
	"Название организации",
	"ИНН",
	types.ColumnFNExpiry,
	"Тариф Sigma",
	types.ColumnPaidUntil,
	"Тип бизнеса",
	"Кол-во касс",
	`Срок модуля "Маркировка"`,
	"Примечание",
	"Источник",
}

type sigmaClient struct {
	CompanyName      string          `json:"companyName"`
	INN              string          `json:"inn"`
	BusinessType     string          `json:"businessType"`
	EndTrialDate     string          `json:"endTrialDate"`
	Tariff           string          `json:"tariff"`
	DisconnectDate   string          `json:"disconnectDate"`
	FiscalExpiration string          `json:"fiscalExpiration"`
	DeviceCount      json.RawMessage `json:"deviceCount"`
	MarkingUntil     string          `json:"markingUntil"`
}

// sigmaDriver reads the client table as JSON and materialises it into a
// spreadsheet in the shared download directory.
type sigmaDriver struct {
	session *session
}

func (d *sigmaDriver) Dispatch(ctx context.Context, req Request) (Delivery, error) {
	target, err := sigmaURL(req)
	if err != nil {
		return Delivery{}, err
	}
	resp, err := d.session.get(ctx, target)
	if err != nil {
		return Delivery{}, err
	}
	defer resp.Body.Close()

	clients, err := decodeSigmaClients(resp.Body)
	if err != nil {
		return Delivery{}, err
	}
	buf, err := buildSigmaWorkbook(clients)
	if err != nil {
		return Delivery{}, err
	}
	name := fmt.Sprintf("%s-%s.xlsx", KindSigma, d.session.clock().Format("20060102-150405.000000000"))
	saved, err := d.session.save(name, buf)
	if err != nil {
		return Delivery{}, err
	}
	log.Debug().Int("clients", len(clients)).Msg("sigma client table materialised")
	return SavedFile(saved), nil
}

func (d *sigmaDriver) Close() error {
	return d.session.close()
}

func sigmaURL(req Request) (string, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return "", errors.Wrap(err, "parse sigma url")
	}
	q := u.Query()
	if !req.Range.Start.IsZero() {
		q.Set("from", req.Range.Start.Format(types.DateLayout))
	}
	if !req.Range.End.IsZero() {
		q.Set("to", req.Range.End.Format(types.DateLayout))
	}
	if req.Filter != "" {
		q.Set("filter", string(req.Filter))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// decodeSigmaClients accepts either a bare array or {"items": [...]}.
func decodeSigmaClients(r io.Reader) ([]sigmaClient, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read sigma response")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("sigma response is empty")
	}
	var clients []sigmaClient
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &clients); err != nil {
			return nil, errors.Wrap(err, "decode sigma clients")
		}
		return clients, nil
	}
	var envelope struct {
		Items []sigmaClient `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode sigma clients")
	}
	return envelope.Items, nil
}

func buildSigmaWorkbook(clients []sigmaClient) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	header := make([]interface{}, len(SigmaColumns))
	for i, c := range SigmaColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sigmaSheet, "A1", &header); err != nil {
		return nil, errors.Wrap(err, "write sigma header")
	}
	for i, c := range clients {
		paidUntil := c.DisconnectDate
		if strings.TrimSpace(paidUntil) == "" {
			paidUntil = c.EndTrialDate
		}
		row := []interface{}{
			strings.TrimSpace(c.CompanyName),
			strings.TrimSpace(c.INN),
			normalizeSigmaDate(c.FiscalExpiration),
			strings.TrimSpace(c.Tariff),
			normalizeSigmaDate(paidUntil),
			strings.TrimSpace(c.BusinessType),
			deviceCount(c.DeviceCount),
			normalizeSigmaDate(c.MarkingUntil),
			sigmaNote,
			sigmaSourceName,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, errors.Wrap(err, "sigma cell name")
		}
		if err := f.SetSheetRow(sigmaSheet, cell, &row); err != nil {
			return nil, errors.Wrapf(err, "write sigma row %d", i+1)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "serialize sigma workbook")
	}
	return buf, nil
}

// normalizeSigmaDate renders ISO timestamps as DD.MM.YYYY and passes
// anything unparseable through unchanged.
func normalizeSigmaDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t, err := types.ParseLooseDate(raw); err == nil {
		return t.Format(types.DateLayout)
	}
	return raw
}

func deviceCount(raw json.RawMessage) string {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return ""
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatInt(int64(n), 10)
	}
	return s
}
