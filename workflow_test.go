package reportagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/report"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
)

type stubBuilder struct {
	rows  int
	err   error
	got   report.Request
	calls int
}

func (b *stubBuilder) Build(ctx context.Context, req report.Request) (*report.Result, error) {
	b.calls++
	b.got = req
	if b.err != nil {
		return nil, b.err
	}
	res := &report.Result{Rows: b.rows}
	if b.rows == 0 {
		return res, nil
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	res.Path = filepath.Join(req.OutputDir, report.FileName(req.Range, req.Filter))
	return res, os.WriteFile(res.Path, []byte("report"), 0o644)
}

type stubArchiver struct {
	batchID string
	path    string
}

func (a *stubArchiver) Archive(ctx context.Context, batchID, path string) (string, error) {
	a.batchID, a.path = batchID, path
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return "archive/" + filepath.Base(path), nil
}

type workflowFixture struct {
	workflow *ReportWorkflow
	orch     *Orchestrator
	channel  *notify.Recorder
	builder  *stubBuilder
	archiver *stubArchiver
	recorder *memoryRecorder
}

func newWorkflowFixture(t *testing.T, script map[string]behavior, builder *stubBuilder, keep bool) *workflowFixture {
	t.Helper()
	rec := newMemoryRecorder()
	orch, _ := newTestOrchestrator(t, script, 4, rec)
	fx := &workflowFixture{
		orch:     orch,
		channel:  &notify.Recorder{},
		builder:  builder,
		archiver: &stubArchiver{},
		recorder: rec,
	}
	wf, err := NewReportWorkflow(WorkflowConfig{
		Orchestrator: orch,
		Builder:      builder,
		Channel:      fx.channel,
		Archiver:     fx.archiver,
		OutputDir:    filepath.Join(orch.Directory().Path(), "reports"),
		KeepReport:   keep,
	})
	if err != nil {
		t.Fatalf("NewReportWorkflow: %v", err)
	}
	fx.workflow = wf
	return fx
}

func TestWorkflowDeliversReport(t *testing.T) {
	script := map[string]behavior{
		ofdURL(1): {fileName: "a.xlsx"},
		ofdURL(2): {fileName: "b.xlsx", fileDelay: 50 * time.Millisecond},
	}
	fx := newWorkflowFixture(t, script, &stubBuilder{rows: 7}, false)

	res, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1), ofdURL(2)}, Range: testRange(t), Filter: types.FilterTariffExpiry})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !res.Delivered || res.Report == nil || res.Report.Rows != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(fx.builder.got.Files) != 2 || fx.builder.got.Filter != types.FilterTariffExpiry {
		t.Fatalf("builder got %+v", fx.builder.got)
	}
	if files := fx.channel.Files(); len(files) != 1 || files[0] != res.Report.Path {
		t.Fatalf("unexpected delivered files %v", files)
	}
	if !containsText(fx.channel.Texts(), MsgBuilding) {
		t.Fatalf("missing building message in %v", fx.channel.Texts())
	}
	if res.ArchiveKey != "archive/01.04.2025-30.04.2025_tariff.xlsx" || fx.archiver.batchID != res.Batch.BatchID {
		t.Fatalf("unexpected archive %q / %q", res.ArchiveKey, fx.archiver.batchID)
	}
	if fx.recorder.reports[res.Batch.BatchID] != 7 {
		t.Fatalf("report not recorded: %v", fx.recorder.reports)
	}
	if _, err := os.Stat(res.Report.Path); !os.IsNotExist(err) {
		t.Fatalf("delivered report should be removed, stat err %v", err)
	}
	for _, p := range fx.builder.got.Files {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("claimed input %s should be released", p)
		}
	}
	if got := len(fx.orch.Directory().Claimed()); got != 0 {
		t.Fatalf("registry should be empty, got %d", got)
	}
}

func TestWorkflowKeepsReportWhenAsked(t *testing.T) {
	fx := newWorkflowFixture(t, map[string]behavior{ofdURL(1): {fileName: "a.xlsx"}}, &stubBuilder{rows: 1}, true)
	res, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1)}, Range: testRange(t), Filter: types.FilterDeviceLifetime})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(res.Report.Path); err != nil {
		t.Fatalf("report should be kept: %v", err)
	}
}

func TestWorkflowNoData(t *testing.T) {
	builder := &stubBuilder{rows: 1}
	fx := newWorkflowFixture(t, map[string]behavior{ofdURL(1): {delivery: sources.DeliveryNone}}, builder, false)
	res, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1)}, Range: testRange(t), Filter: types.FilterDeviceLifetime})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if builder.calls != 0 || res.Delivered {
		t.Fatalf("builder should not run without files")
	}
	if !containsText(fx.channel.Texts(), MsgNoData) {
		t.Fatalf("missing no-data message in %v", fx.channel.Texts())
	}
}

func TestWorkflowNoRowsAfterFiltering(t *testing.T) {
	fx := newWorkflowFixture(t, map[string]behavior{ofdURL(1): {fileName: "a.xlsx"}}, &stubBuilder{}, false)
	res, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1)}, Range: testRange(t), Filter: types.FilterDeviceLifetime})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Delivered || len(fx.channel.Files()) != 0 {
		t.Fatalf("nothing should be delivered")
	}
	if !containsText(fx.channel.Texts(), MsgNoRows) {
		t.Fatalf("missing no-rows message in %v", fx.channel.Texts())
	}
	if got := len(fx.orch.Directory().Claimed()); got != 0 {
		t.Fatalf("inputs should be released, registry has %d", got)
	}
}

func TestWorkflowBuildFailure(t *testing.T) {
	fx := newWorkflowFixture(t, map[string]behavior{ofdURL(1): {fileName: "a.xlsx"}}, &stubBuilder{err: errors.New("corrupt workbook")}, false)
	_, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1)}, Range: testRange(t), Filter: types.FilterDeviceLifetime})
	if err == nil {
		t.Fatalf("expected build error")
	}
	if !containsText(fx.channel.Texts(), MsgFailure) {
		t.Fatalf("missing failure message in %v", fx.channel.Texts())
	}
}

func TestWorkflowAbortedBatch(t *testing.T) {
	builder := &stubBuilder{rows: 1}
	fx := newWorkflowFixture(t, map[string]behavior{ofdURL(1): {err: sources.ErrSessionInvalid}}, builder, false)
	_, err := fx.workflow.Run(context.Background(), ReportRequest{URLs: []string{ofdURL(1)}, Range: testRange(t), Filter: types.FilterDeviceLifetime})
	if !errors.Is(err, ErrBatchAborted) {
		t.Fatalf("expected ErrBatchAborted, got %v", err)
	}
	if builder.calls != 0 || containsText(fx.channel.Texts(), MsgNoData) {
		t.Fatalf("aborted batch must stop before building")
	}
}

func TestNewReportWorkflowRequiresOrchestrator(t *testing.T) {
	if _, err := NewReportWorkflow(WorkflowConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}
