package reportagent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/downloads"
	"github.com/ofdreport/ReportAgent/pkg/sources"
)

// behavior scripts one fake source session.
type behavior struct {
	// fileName is written into the download directory fileDelay after
	// Dispatch returns. Empty means no file ever shows up.
	fileName  string
	fileDelay time.Duration
	// neverWrite reports fileName from Dispatch without writing it.
	neverWrite bool
	// anonymous hides fileName from the caller, like a browser-driven
	// source that cannot tell where its export landed.
	anonymous bool
	// dispatchDelay is spent inside Dispatch; the driver honours ctx
	// unless ignoreDeadline is set, in which case it sleeps it out and
	// then writes fileName synchronously.
	dispatchDelay  time.Duration
	ignoreDeadline bool
	err            error
	delivery       sources.DeliveryKind
	panics         bool
}

type fakeFactory struct {
	t      *testing.T
	dir    string
	script map[string]behavior

	mu      sync.Mutex
	drivers []*fakeDriver

	active    atomic.Int32
	maxActive atomic.Int32
	opened    atomic.Int32

	stop chan struct{}
	wg   sync.WaitGroup
}

// newFakeFactory must be called after the directory's t.TempDir so its
// cleanup (which stops pending writers) runs before the directory is removed.
func newFakeFactory(t *testing.T, dir string, script map[string]behavior) *fakeFactory {
	f := &fakeFactory{t: t, dir: dir, script: script, stop: make(chan struct{})}
	t.Cleanup(func() {
		close(f.stop)
		f.wg.Wait()
	})
	return f
}

func (f *fakeFactory) NewDriver(ctx context.Context, src sources.Source) (sources.Driver, error) {
	f.opened.Add(1)
	d := &fakeDriver{factory: f}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d, nil
}

func (f *fakeFactory) closedCounts() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int32, 0, len(f.drivers))
	for _, d := range f.drivers {
		out = append(out, d.closes.Load())
	}
	return out
}

func (f *fakeFactory) writeLater(name string, delay time.Duration) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-f.stop:
			return
		case <-timer.C:
		}
		_ = os.WriteFile(filepath.Join(f.dir, name), []byte("exported data"), 0o644)
	}()
}

type fakeDriver struct {
	factory *fakeFactory
	closes  atomic.Int32
}

func (d *fakeDriver) Dispatch(ctx context.Context, req sources.Request) (sources.Delivery, error) {
	f := d.factory
	b, ok := f.script[req.URL]
	if !ok {
		f.t.Errorf("unexpected dispatch for %s", req.URL)
		return sources.Acknowledged(), nil
	}

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if b.panics {
		panic("driver exploded")
	}
	if b.ignoreDeadline {
		time.Sleep(b.dispatchDelay)
		if err := os.WriteFile(filepath.Join(f.dir, b.fileName), []byte("exported data"), 0o644); err != nil {
			f.t.Errorf("write %s: %v", b.fileName, err)
		}
		return sources.SavedFile(b.fileName), nil
	}
	if b.dispatchDelay > 0 {
		timer := time.NewTimer(b.dispatchDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sources.Delivery{}, ctx.Err()
		case <-timer.C:
		}
	}
	if b.err != nil {
		return sources.Delivery{}, b.err
	}
	if b.fileName != "" && !b.neverWrite {
		f.writeLater(b.fileName, b.fileDelay)
	}
	out := sources.Delivery{Kind: b.delivery}
	if b.delivery == sources.DeliveryFile && !b.anonymous {
		out.File = b.fileName
	}
	return out, nil
}

func (d *fakeDriver) Close() error {
	d.closes.Add(1)
	return nil
}

func openTestDirectory(t *testing.T) *downloads.Directory {
	t.Helper()
	dir, err := downloads.Open(t.TempDir(), downloads.Options{
		PollInterval:     20 * time.Millisecond,
		StabilizeTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("open download directory: %v", err)
	}
	return dir
}

func fastRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WatchTimeout:    600 * time.Millisecond,
		DispatchTimeout: time.Second,
	}
}

type memoryRecorder struct {
	mu       sync.Mutex
	started  []*BatchRecord
	sources  []*SourceRecord
	finished map[string]*BatchSummary
	reports  map[string]int
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{finished: map[string]*BatchSummary{}, reports: map[string]int{}}
}

func (m *memoryRecorder) StartBatch(ctx context.Context, rec *BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, rec)
	return nil
}

func (m *memoryRecorder) RecordSource(ctx context.Context, rec *SourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, rec)
	return nil
}

func (m *memoryRecorder) FinishBatch(ctx context.Context, batchID string, sum *BatchSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[batchID] = sum
	return nil
}

func (m *memoryRecorder) RecordReport(ctx context.Context, batchID, report string, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[batchID] = rows
	return nil
}

func containsText(texts []string, want string) bool {
	for _, t := range texts {
		if t == want {
			return true
		}
	}
	return false
}
