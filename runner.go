package reportagent

import (
	"context"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/downloads"
	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultWatchTimeout     = 30 * time.Second
	defaultDispatchTimeout  = 2 * time.Minute
	defaultMaxClaimAttempts = 3
)

// RunnerConfig bounds the blocking phases of a task.
type RunnerConfig struct {
	// WatchTimeout is the budget for a file to show up after dispatch.
	WatchTimeout time.Duration
	// DispatchTimeout caps every driver call.
	DispatchTimeout time.Duration
	// MaxClaimAttempts bounds how often a task goes back to watching after a
	// candidate was taken by a sibling or vanished.
	MaxClaimAttempts int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = defaultWatchTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.MaxClaimAttempts <= 0 {
		c.MaxClaimAttempts = defaultMaxClaimAttempts
	}
	return c
}

// TaskRunner drives one SourceTask through dispatch, watch and claim.
type TaskRunner struct {
	dir      *downloads.Directory
	factory  sources.Factory
	progress notify.Sink
	cfg      RunnerConfig
	clock    func() time.Time
}

// NewTaskRunner wires a runner. progress may be nil.
func NewTaskRunner(dir *downloads.Directory, factory sources.Factory, progress notify.Sink, cfg RunnerConfig) *TaskRunner {
	if progress == nil {
		progress = notify.LogSink{}
	}
	return &TaskRunner{
		dir:      dir,
		factory:  factory,
		progress: progress,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
	}
}

// driverSession guarantees a single Close per driver.
type driverSession struct {
	driver sources.Driver
	closed bool
	logger zerolog.Logger
}

func (s *driverSession) close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	if err := s.driver.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close source session failed")
	}
}

// Run executes the task. It never returns an error: every exit is encoded in
// the outcome state, and only StateAuthFailed is meant to stop the batch.
func (r *TaskRunner) Run(ctx context.Context, task SourceTask) (out TaskOutcome) {
	out = TaskOutcome{Task: task, State: StateInit, StartedAt: r.clock()}
	logger := log.With().
		Str("url", task.URL).
		Str("task", task.Counter()).
		Logger()
	defer func() {
		out.FinishedAt = r.clock()
		logger.Debug().
			Str("state", out.State.String()).
			Dur("elapsed", out.FinishedAt.Sub(out.StartedAt)).
			Msg("source task finished")
	}()

	if err := ctx.Err(); err != nil {
		return r.cancelled(out, err)
	}

	src, err := sources.Classify(task.URL)
	if err != nil {
		return r.sourceFailed(ctx, logger, out, err)
	}
	out.Source = src
	logger = logger.With().Str("source", string(src.Kind)).Logger()

	driver, err := r.factory.NewDriver(ctx, src)
	if err != nil {
		switch {
		case sources.IsSessionInvalid(err):
			return r.authFailed(ctx, logger, out, nil, err)
		case ctx.Err() != nil:
			return r.cancelled(out, ctx.Err())
		default:
			return r.sourceFailed(ctx, logger, out, errors.Wrap(err, "open source session"))
		}
	}
	session := &driverSession{driver: driver, logger: logger}
	defer session.close()

	// The snapshot is taken under the directory lock before dispatch so a
	// file that lands during dispatch is never mistaken for an old one.
	before, err := r.dir.Snapshot()
	if err != nil {
		return r.sourceFailed(ctx, logger, out, err)
	}

	out.State = StateDispatching
	delivery, err := r.dispatch(ctx, driver, sources.Request{URL: task.URL, Range: task.Range, Filter: task.Filter})
	if err != nil {
		switch {
		case sources.IsSessionInvalid(err):
			return r.authFailed(ctx, logger, out, session, err)
		case ctx.Err() != nil:
			return r.cancelled(out, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			r.discardLate(logger, delivery)
			return r.timedOut(logger, out, errors.Wrap(err, "dispatch"))
		default:
			return r.sourceFailed(ctx, logger, out, err)
		}
	}
	r.send(ctx, logger, msgReceived(task, src.Name))

	if delivery.Kind == sources.DeliveryNone {
		out.State = StateDone
		return out
	}

	out.State = StateAwaitingFile
	if delivery.File != "" {
		logger = logger.With().Str("expected", delivery.File).Logger()
	}
	return r.awaitAndClaim(ctx, logger, out, before, delivery.File)
}

// discardLate removes a file saved by a driver that overran its deadline, so
// no sibling mistakes it for its own download.
func (r *TaskRunner) discardLate(logger zerolog.Logger, delivery sources.Delivery) {
	if delivery.File == "" {
		return
	}
	if err := r.dir.Discard(delivery.File); err != nil {
		logger.Warn().Err(err).Str("file", delivery.File).Msg("discard late download failed")
	}
}

func (r *TaskRunner) dispatch(ctx context.Context, driver sources.Driver, req sources.Request) (sources.Delivery, error) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()
	delivery, err := driver.Dispatch(dctx, req)
	if err == nil && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// A driver that ignored its deadline still counts as timed out.
		return delivery, errors.Wrap(context.DeadlineExceeded, "driver exceeded dispatch timeout")
	}
	return delivery, err
}

// awaitAndClaim waits for the task's download and claims it. When the driver
// named its file only that name is awaited; otherwise the first new
// spreadsheet that no other source expects is taken.
func (r *TaskRunner) awaitAndClaim(ctx context.Context, logger zerolog.Logger, out TaskOutcome, before downloads.Snapshot, expected string) TaskOutcome {
	if expected != "" {
		release, err := r.dir.Expect(expected, out.Task.Index)
		if err != nil {
			return r.sourceFailed(ctx, logger, out, err)
		}
		defer release()
	}
	exclude := make(downloads.Snapshot, len(before))
	for name := range before {
		exclude[name] = struct{}{}
	}
	deadline := r.clock().Add(r.cfg.WatchTimeout)

	for attempt := 1; ; attempt++ {
		remaining := deadline.Sub(r.clock())
		if remaining <= 0 {
			return r.timedOut(logger, out, downloads.ErrTimeout)
		}
		out.State = StateAwaitingFile
		var (
			name string
			err  error
		)
		if expected != "" {
			name, err = r.dir.AwaitFile(ctx, expected, remaining)
		} else {
			name, err = r.dir.AwaitNewFile(ctx, exclude, remaining)
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return r.cancelled(out, ctx.Err())
			case errors.Is(err, downloads.ErrTimeout):
				return r.timedOut(logger, out, err)
			case errors.Is(err, downloads.ErrAlreadyClaimed):
				return r.timedOut(logger, out, err)
			default:
				return r.sourceFailed(ctx, logger, out, err)
			}
		}

		out.State = StateClaiming
		claimed, err := r.dir.Claim(ctx, name, out.Task.Index)
		if err == nil {
			out.File = &claimed
			out.State = StateDone
			logger.Info().
				Str("candidate", name).
				Str("file", claimed.Name()).
				Msg("download claimed")
			return out
		}
		switch {
		case ctx.Err() != nil:
			return r.cancelled(out, ctx.Err())
		case expected != "" && errors.Is(err, downloads.ErrAlreadyClaimed):
			// Only an unnamed sibling can hold our file; it is not coming back.
			return r.timedOut(logger, out, errors.Wrapf(err, "own download %s taken", expected))
		case errors.Is(err, downloads.ErrAlreadyClaimed), errors.Is(err, downloads.ErrGone):
			if attempt >= r.cfg.MaxClaimAttempts {
				return r.timedOut(logger, out, errors.Wrapf(err, "gave up after %d claim attempts", attempt))
			}
			logger.Debug().Err(err).Str("candidate", name).Msg("candidate lost, watching again")
			if expected == "" {
				exclude[name] = struct{}{}
			}
		case errors.Is(err, downloads.ErrTimeout):
			return r.timedOut(logger, out, err)
		default:
			return r.sourceFailed(ctx, logger, out, err)
		}
	}
}

func (r *TaskRunner) authFailed(ctx context.Context, logger zerolog.Logger, out TaskOutcome, session *driverSession, err error) TaskOutcome {
	out.State = StateAuthFailed
	out.Err = err
	logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("source session is unusable, aborting batch")
	session.close()
	r.send(ctx, logger, msgInternalError(out.Task))
	return out
}

func (r *TaskRunner) sourceFailed(ctx context.Context, logger zerolog.Logger, out TaskOutcome, err error) TaskOutcome {
	out.State = StateSourceError
	out.Err = err
	logger.Error().Err(err).Msg("source failed")
	r.send(ctx, logger, msgSourceFailed(out.Task))
	return out
}

func (r *TaskRunner) timedOut(logger zerolog.Logger, out TaskOutcome, err error) TaskOutcome {
	out.State = StateTimeout
	out.Err = err
	logger.Warn().Err(err).Dur("watch_timeout", r.cfg.WatchTimeout).Msg("source produced no file in time")
	return out
}

func (r *TaskRunner) cancelled(out TaskOutcome, err error) TaskOutcome {
	out.State = StateCancelled
	out.Err = err
	return out
}

// send delivers even when the batch context is already cancelled so abort
// messages reach the operator.
func (r *TaskRunner) send(ctx context.Context, logger zerolog.Logger, text string) {
	if err := r.progress.SendText(context.WithoutCancel(ctx), text); err != nil {
		logger.Warn().Err(err).Str("text", text).Msg("progress message not delivered")
	}
}
