package reportagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ofdreport/ReportAgent/pkg/downloads"
	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxWorkers    = 4
	defaultShutdownGrace = 10 * time.Second
)

// Config controls Orchestrator behavior.
type Config struct {
	Directory *downloads.Directory
	Factory   sources.Factory
	Recorder  BatchRecorder

	// MaxWorkers caps concurrent source tasks; the pool is never larger than
	// the number of URLs in a batch.
	MaxWorkers int
	Runner     RunnerConfig
	// ShutdownGrace is how long Run waits for in-flight tasks to close their
	// sessions after the caller cancels.
	ShutdownGrace time.Duration
}

// Orchestrator fans a batch out to Task Runners and folds their outcomes.
type Orchestrator struct {
	cfg      Config
	dir      *downloads.Directory
	factory  sources.Factory
	recorder BatchRecorder
	clock    func() time.Time
	newID    func() string
}

// NewOrchestrator validates cfg and fills defaults.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Directory == nil {
		return nil, errors.New("download directory cannot be nil")
	}
	if cfg.Factory == nil {
		return nil, errors.New("source factory cannot be nil")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	cfg.Runner = cfg.Runner.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		dir:      cfg.Directory,
		factory:  cfg.Factory,
		recorder: cfg.Recorder,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}
	return o, nil
}

// Directory returns the shared download directory.
func (o *Orchestrator) Directory() *downloads.Directory {
	return o.dir
}

// batchState is the fan-in side of a run.
type batchState struct {
	mu       sync.Mutex
	outcomes []TaskOutcome
	files    []ClaimedFile
	active   int
	peak     int
	// closed is set once Run folded the result; later outcomes are dropped.
	closed bool
}

func (s *batchState) enter() {
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
}

func (s *batchState) leave() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// add reports false when the batch was already folded.
func (s *batchState) add(out TaskOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.outcomes = append(s.outcomes, out)
	if out.File != nil {
		s.files = append(s.files, *out.File)
	}
	return true
}

// snapshot closes the state and returns what was collected.
func (s *batchState) snapshot() ([]TaskOutcome, []ClaimedFile, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return append([]TaskOutcome(nil), s.outcomes...), append([]ClaimedFile(nil), s.files...), s.peak
}

// Run executes one batch.
//
// Per-source failures are folded into the result. A session-fatal fault in
// any task cancels the siblings, releases files already claimed in this
// batch and returns ErrBatchAborted. Caller cancellation behaves the same way
// but returns the context error.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	result := &BatchResult{BatchID: o.newID(), StartedAt: o.clock()}
	urls := cleanURLs(req.URLs)
	logger := log.With().Str("batch_id", result.BatchID).Logger()

	if len(urls) == 0 {
		result.FinishedAt = o.clock()
		logger.Info().Msg("no source urls configured, nothing to run")
		return result, nil
	}

	progress := req.Progress
	if progress == nil {
		progress = notify.LogSink{}
	}
	workers := min(o.cfg.MaxWorkers, len(urls))
	result.Workers = workers

	recCtx := context.WithoutCancel(ctx)
	if err := o.recorder.StartBatch(recCtx, &BatchRecord{
		BatchID:   result.BatchID,
		Filter:    string(req.Filter),
		RangeFrom: req.Range.Start,
		RangeTo:   req.Range.End,
		Sources:   len(urls),
		Workers:   workers,
		Host:      hostID(),
		StartedAt: result.StartedAt,
	}); err != nil {
		logger.Warn().Err(err).Msg("record batch start failed")
	}
	logger.Info().
		Int("sources", len(urls)).
		Int("workers", workers).
		Str("filter", string(req.Filter)).
		Str("range", req.Range.String()).
		Msg("batch started")

	runner := NewTaskRunner(o.dir, o.factory, progress, o.cfg.Runner)
	runner.clock = o.clock
	state := &batchState{}
	collect := func(out TaskOutcome) {
		o.collect(recCtx, logger, result.BatchID, state, out)
	}

	group := NewSafeGroup(ctx)
	group.SetLimit(workers)
	for i, url := range urls {
		task := SourceTask{
			URL:    url,
			Index:  i + 1,
			Total:  len(urls),
			Range:  req.Range,
			Filter: req.Filter,
		}
		group.GoRecover(fmt.Sprintf("source task %s", task.Counter()), func(gctx context.Context) error {
			state.enter()
			defer state.leave()
			out := runner.Run(gctx, task)
			collect(out)
			if out.State == StateAuthFailed {
				return errors.Wrapf(ErrBatchAborted, "source %s (%s)", task.Counter(), task.URL)
			}
			return nil
		}, func(recovered any) {
			now := o.clock()
			out := TaskOutcome{
				Task:       task,
				State:      StateSourceError,
				Err:        errors.Errorf("panic: %v", recovered),
				StartedAt:  now,
				FinishedAt: now,
			}
			if src, err := sources.Classify(task.URL); err == nil {
				out.Source = src
			}
			collect(out)
			runner.send(ctx, logger, msgSourceFailed(task))
		})
	}
	waitErr := group.WaitOrInterrupt(o.cfg.ShutdownGrace)

	outcomes, files, peak := state.snapshot()
	result.Outcomes = outcomes
	result.PeakWorkers = peak
	result.FinishedAt = o.clock()
	for _, out := range outcomes {
		if out.Failed() {
			result.Failed++
		}
	}
	// Tasks that never reported (interrupted past the grace period) count
	// as failed too.
	result.Failed += len(urls) - len(outcomes)

	if waitErr != nil {
		result.Aborted = true
		for _, f := range files {
			if err := o.dir.Release(f); err != nil {
				logger.Warn().Err(err).Str("file", f.Path).Msg("release claimed file after abort failed")
			}
		}
		logger.Error().Err(waitErr).Int("released", len(files)).Msg("batch aborted")
	} else {
		result.Files = files
		logger.Info().
			Int("files", len(files)).
			Int("failed", result.Failed).
			Int("peak_workers", peak).
			Dur("elapsed", result.FinishedAt.Sub(result.StartedAt)).
			Msg("batch finished")
	}

	summary := &BatchSummary{
		Files:       len(result.Files),
		Failed:      result.Failed,
		Aborted:     result.Aborted,
		PeakWorkers: peak,
		FinishedAt:  result.FinishedAt,
	}
	if waitErr != nil {
		summary.Error = waitErr.Error()
	}
	if err := o.recorder.FinishBatch(recCtx, result.BatchID, summary); err != nil {
		logger.Warn().Err(err).Msg("record batch finish failed")
	}
	return result, waitErr
}

// collect folds one outcome into state and records it. A task that outlived
// the shutdown grace finds the state closed; its claimed file is released
// because no result will ever reference it.
func (o *Orchestrator) collect(ctx context.Context, logger zerolog.Logger, batchID string, state *batchState, out TaskOutcome) {
	if !state.add(out) {
		if out.File != nil {
			if err := o.dir.Release(*out.File); err != nil {
				logger.Warn().Err(err).Str("file", out.File.Path).Msg("release late claim failed")
			} else {
				logger.Warn().Str("file", out.File.Path).Int("index", out.Task.Index).Msg("released file claimed after batch closed")
			}
		}
		return
	}
	if err := o.recorder.RecordSource(ctx, sourceRecord(batchID, out)); err != nil {
		logger.Warn().Err(err).Int("index", out.Task.Index).Msg("record source outcome failed")
	}
}

func cleanURLs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
