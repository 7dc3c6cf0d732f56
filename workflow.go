package reportagent

import (
	"context"
	"os"

	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/report"
	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReportBuilder consolidates claimed exports into one spreadsheet.
type ReportBuilder interface {
	Build(ctx context.Context, req report.Request) (*report.Result, error)
}

// Archiver keeps a copy of a delivered report and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, batchID, path string) (string, error)
}

// reportRecorder is implemented by recorders that also track reports.
type reportRecorder interface {
	RecordReport(ctx context.Context, batchID, report string, rows int) error
}

// WorkflowConfig wires the end-to-end flow.
type WorkflowConfig struct {
	Orchestrator *Orchestrator
	Builder      ReportBuilder
	// Channel receives progress texts and the final report.
	Channel notify.FileSink
	// Archiver is optional.
	Archiver  Archiver
	OutputDir string
	// KeepReport leaves the consolidated report on disk after delivery.
	KeepReport bool
}

// ReportRequest is one operator request.
type ReportRequest struct {
	URLs   []string
	Range  types.DateRange
	Filter types.FilterKind
}

// WorkflowResult summarises a workflow run.
type WorkflowResult struct {
	Batch      *BatchResult
	Report     *report.Result
	Delivered  bool
	ArchiveKey string
}

// ReportWorkflow runs a batch, builds the report and delivers it.
type ReportWorkflow struct {
	cfg WorkflowConfig
}

// NewReportWorkflow validates cfg.
func NewReportWorkflow(cfg WorkflowConfig) (*ReportWorkflow, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator cannot be nil")
	}
	if cfg.Builder == nil {
		cfg.Builder = report.NewBuilder()
	}
	if cfg.Channel == nil {
		cfg.Channel = notify.LogSink{}
	}
	return &ReportWorkflow{cfg: cfg}, nil
}

// Run executes one request. Informational outcomes ("no data", "no rows")
// return a nil error; an aborted batch returns the orchestrator error after
// the operator has already been told to restart.
func (w *ReportWorkflow) Run(ctx context.Context, req ReportRequest) (*WorkflowResult, error) {
	res := &WorkflowResult{}
	batch, err := w.cfg.Orchestrator.Run(ctx, BatchRequest{
		URLs:     req.URLs,
		Range:    req.Range,
		Filter:   req.Filter,
		Progress: w.cfg.Channel,
	})
	res.Batch = batch
	if err != nil {
		return res, err
	}
	logger := log.With().Str("batch_id", batch.BatchID).Logger()

	if len(batch.Files) == 0 {
		w.send(ctx, MsgNoData)
		return res, nil
	}
	defer w.releaseInputs(batch)

	w.send(ctx, MsgBuilding)
	built, err := w.cfg.Builder.Build(ctx, report.Request{
		Files:     batch.Paths(),
		Filter:    req.Filter,
		Range:     req.Range,
		OutputDir: w.cfg.OutputDir,
	})
	if err != nil {
		logger.Error().Err(err).Msg("build report failed")
		w.send(ctx, MsgFailure)
		return res, errors.Wrap(err, "build report")
	}
	res.Report = built
	if built.Rows == 0 || built.Path == "" {
		w.send(ctx, MsgNoRows)
		return res, nil
	}

	if err := w.cfg.Channel.SendFile(context.WithoutCancel(ctx), built.Path); err != nil {
		logger.Error().Err(err).Str("report", built.Path).Msg("deliver report failed")
		w.send(ctx, MsgFailure)
		return res, errors.Wrap(err, "deliver report")
	}
	res.Delivered = true

	if w.cfg.Archiver != nil {
		key, err := w.cfg.Archiver.Archive(context.WithoutCancel(ctx), batch.BatchID, built.Path)
		if err != nil {
			logger.Warn().Err(err).Msg("archive report failed")
		}
		res.ArchiveKey = key
	}
	if rec, ok := w.cfg.Orchestrator.recorder.(reportRecorder); ok {
		if err := rec.RecordReport(context.WithoutCancel(ctx), batch.BatchID, built.Path, built.Rows); err != nil {
			logger.Warn().Err(err).Msg("record report failed")
		}
	}
	if !w.cfg.KeepReport {
		if err := os.Remove(built.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("report", built.Path).Msg("remove delivered report failed")
		}
	}
	logger.Info().Str("report", built.Path).Int("rows", built.Rows).Msg("report delivered")
	return res, nil
}

// releaseInputs deletes the claimed exports once the builder is done with
// them and frees their numbers for the next batch.
func (w *ReportWorkflow) releaseInputs(batch *BatchResult) {
	dir := w.cfg.Orchestrator.Directory()
	for _, f := range batch.Files {
		if err := dir.Release(f); err != nil {
			log.Warn().Err(err).Str("file", f.Path).Msg("release claimed file failed")
		}
	}
}

func (w *ReportWorkflow) send(ctx context.Context, text string) {
	if err := w.cfg.Channel.SendText(context.WithoutCancel(ctx), text); err != nil {
		log.Warn().Err(err).Str("text", text).Msg("operator message not delivered")
	}
}
