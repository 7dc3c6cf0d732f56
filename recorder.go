package reportagent

import (
	"context"

	"github.com/ofdreport/ReportAgent/pkg/storage"
)

// BatchRecord describes a batch when it starts.
type BatchRecord = storage.BatchRecord

// SourceRecord is the persisted outcome of one source task.
type SourceRecord = storage.SourceRecord

// BatchSummary is the terminal state of a batch.
type BatchSummary = storage.BatchSummary

// BatchRecorder receives callbacks from the orchestrator to persist batch
// history. Failures are logged and never affect the batch.
type BatchRecorder interface {
	StartBatch(ctx context.Context, rec *BatchRecord) error
	RecordSource(ctx context.Context, rec *SourceRecord) error
	FinishBatch(ctx context.Context, batchID string, sum *BatchSummary) error
}

type noopRecorder struct{}

func (noopRecorder) StartBatch(ctx context.Context, rec *BatchRecord) error   { return nil }
func (noopRecorder) RecordSource(ctx context.Context, rec *SourceRecord) error { return nil }
func (noopRecorder) FinishBatch(ctx context.Context, batchID string, sum *BatchSummary) error {
	return nil
}

// BatchStore is the sqlite-backed BatchRecorder.
type BatchStore = storage.Store

// OpenBatchStore opens (and migrates) the batch history database at path.
// An empty path resolves to the default location.
func OpenBatchStore(path string) (*BatchStore, error) {
	return storage.Open(path)
}

func sourceRecord(batchID string, out TaskOutcome) *SourceRecord {
	rec := &SourceRecord{
		BatchID:    batchID,
		Index:      out.Task.Index,
		URL:        out.Task.URL,
		SourceKind: string(out.Source.Kind),
		SourceName: out.Source.Name,
		State:      out.State.String(),
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if out.File != nil {
		rec.File = out.File.Name()
		rec.ClaimedNumber = out.File.Number
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	return rec
}
