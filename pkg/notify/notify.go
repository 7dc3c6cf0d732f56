// Package notify implements the Operator Channel: where progress strings and
// the finished report are delivered.
package notify

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sink receives human-readable progress messages.
type Sink interface {
	SendText(ctx context.Context, text string) error
}

// FileSink can additionally deliver a file to the operator.
type FileSink interface {
	Sink
	SendFile(ctx context.Context, path string) error
}

// LogSink writes operator messages to the structured log.
type LogSink struct{}

func (LogSink) SendText(ctx context.Context, text string) error {
	log.Info().Str("channel", "log").Msg(text)
	return nil
}

func (LogSink) SendFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "report %s", path)
	}
	log.Info().Str("channel", "log").Str("file", path).Msg("report ready")
	return nil
}

// Tee fans a message out to every sink. Delivery continues past failing
// sinks; the first error is returned.
func Tee(sinks ...Sink) FileSink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type tee []Sink

func (t tee) SendText(ctx context.Context, text string) error {
	var first error
	for _, s := range t {
		if err := s.SendText(ctx, text); err != nil {
			log.Warn().Err(err).Msg("notify: send text failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// SendFile delivers to the sinks that accept files and ignores the rest.
func (t tee) SendFile(ctx context.Context, path string) error {
	var first error
	for _, s := range t {
		fs, ok := s.(FileSink)
		if !ok {
			continue
		}
		if err := fs.SendFile(ctx, path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("notify: send file failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Recorder keeps every message in memory. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	texts []string
	files []string
}

func (r *Recorder) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *Recorder) SendFile(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, path)
	return nil
}

// Texts returns a copy of the recorded messages in arrival order.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// Files returns a copy of the recorded file paths.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
