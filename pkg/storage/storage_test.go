package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "batches.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTripsBatchHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	start := time.Date(2025, 4, 1, 9, 0, 0, 0, time.Local)

	if err := store.StartBatch(ctx, &BatchRecord{
		BatchID:   "b-1",
		Filter:    "fn",
		RangeFrom: time.Date(2025, 4, 1, 0, 0, 0, 0, time.Local),
		RangeTo:   time.Date(2025, 4, 30, 0, 0, 0, 0, time.Local),
		Sources:   3,
		Workers:   2,
		Host:      "host-a",
		StartedAt: start,
	}); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	running := &SourceRecord{BatchID: "b-1", Index: 2, URL: "https://pk.ofd.ru/api/x", SourceKind: "ofd-ru", State: "timeout", Error: "no file", StartedAt: start}
	if err := store.RecordSource(ctx, running); err != nil {
		t.Fatalf("RecordSource: %v", err)
	}
	// same index again overwrites the state
	running.State = "done"
	running.File = "1.xlsx"
	running.ClaimedNumber = 1
	running.Error = ""
	if err := store.RecordSource(ctx, running); err != nil {
		t.Fatalf("RecordSource upsert: %v", err)
	}
	if err := store.RecordSource(ctx, &SourceRecord{BatchID: "b-1", Index: 1, URL: "https://x.kassatka.ru", State: "done"}); err != nil {
		t.Fatalf("RecordSource: %v", err)
	}
	if err := store.FinishBatch(ctx, "b-1", &BatchSummary{Files: 1, Failed: 1, PeakWorkers: 2, FinishedAt: start.Add(time.Minute)}); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if err := store.RecordReport(ctx, "b-1", "01.04.2025-30.04.2025_fn.xlsx", 17); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	batches, err := store.ListBatches(ctx, 10)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if !b.Finished || b.Files != 1 || b.Failed != 1 || b.PeakWorkers != 2 || b.Rows != 17 || b.Filter != "fn" || b.Host != "host-a" {
		t.Fatalf("unexpected batch %+v", b)
	}
	if b.RangeTo.Day() != 30 || !b.StartedAt.Equal(start) {
		t.Fatalf("unexpected dates %+v", b.BatchRecord)
	}

	srcs, err := store.ListSources(ctx, "b-1")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(srcs) != 2 || srcs[0].Index != 1 || srcs[1].State != "done" || srcs[1].File != "1.xlsx" || srcs[1].Error != "" {
		t.Fatalf("unexpected sources %+v", srcs)
	}
}

func TestStoreReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.sqlite")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.StartBatch(context.Background(), &BatchRecord{BatchID: "b", Filter: "tariff"}); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	batches, err := second.ListBatches(context.Background(), 0)
	if err != nil || len(batches) != 1 || batches[0].Finished {
		t.Fatalf("unexpected batches after reopen: %+v %v", batches, err)
	}
}

func TestStartBatchRequiresID(t *testing.T) {
	store := openTestStore(t)
	if err := store.StartBatch(context.Background(), &BatchRecord{}); err == nil {
		t.Fatalf("expected error for empty batch id")
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked message", errString("database is locked (5)"), true},
		{"busy code", errString("SQLITE_BUSY: busy"), true},
		{"other", errString("some other error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestFormatSQLForLog(t *testing.T) {
	got := FormatSQLForLog("SELECT *\n\t FROM t WHERE a = ? AND b = ?", "o'k", 3, nil)
	want := "SELECT * FROM t WHERE a = 'o''k' AND b = 3 /* args: NULL */"
	if got != want {
		t.Fatalf("FormatSQLForLog = %q, want %q", got, want)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
