package downloads

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// AwaitNewFile blocks until a spreadsheet that is not in exclude, not a
// partial download, and not reserved, claimed or expected by another caller
// shows up. It returns as soon as the name exists; write completion is
// checked by Claim.
//
// The wait wakes on change notifications and otherwise polls with a backoff
// starting at Options.PollInterval. It returns ErrTimeout once timeout
// elapses and ctx.Err() when ctx is cancelled first.
func (d *Directory) AwaitNewFile(ctx context.Context, exclude Snapshot, timeout time.Duration) (string, error) {
	return d.await(ctx, timeout, func() (string, error) {
		return d.scan(exclude)
	})
}

// AwaitFile blocks until the spreadsheet called name exists (its partial
// download may still be in progress elsewhere; Claim waits for that). It
// has the same timeout and cancellation behaviour as AwaitNewFile.
func (d *Directory) AwaitFile(ctx context.Context, name string, timeout time.Duration) (string, error) {
	name = filepath.Base(name)
	return d.await(ctx, timeout, func() (string, error) {
		return d.lookup(name)
	})
}

func (d *Directory) await(ctx context.Context, timeout time.Duration, find func() (string, error)) (string, error) {
	if timeout <= 0 {
		timeout = DefaultWatchTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unsubscribe := d.feed.subscribe()
	defer unsubscribe()

	base := d.opts.PollInterval
	delay := base
	for {
		// Take the generation before listing so a change between the listing
		// and the select is not lost.
		changed := d.feed.next()
		name, err := find()
		if err != nil {
			return "", err
		}
		if name != "" {
			return name, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrTimeout
		case <-changed:
			timer.Stop()
			delay = base
		case <-timer.C:
			delay *= 2
			if limit := base * maxBackoffFactor; delay > limit {
				delay = limit
			}
		}
	}
}

// changeFeed turns filesystem notifications for one directory into a
// broadcast: every subscriber waits on the current generation channel, which
// is closed and replaced on each change. One fsnotify watcher serves all
// subscribers and lives only while there is at least one.
type changeFeed struct {
	dir     string
	enabled bool

	mu          sync.Mutex
	gen         chan struct{}
	subscribers int
	watcher     *fsnotify.Watcher
	done        chan struct{}
}

func newChangeFeed(dir string, enabled bool) *changeFeed {
	return &changeFeed{dir: dir, enabled: enabled, gen: make(chan struct{})}
}

func (f *changeFeed) next() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *changeFeed) broadcast() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gen)
	f.gen = make(chan struct{})
}

func (f *changeFeed) subscribe() func() {
	f.mu.Lock()
	f.subscribers++
	if f.subscribers == 1 && f.enabled && f.watcher == nil {
		f.startLocked()
	}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.subscribers--
			if f.subscribers == 0 && f.watcher != nil {
				close(f.done)
				_ = f.watcher.Close()
				f.watcher = nil
				f.done = nil
			}
		})
	}
}

func (f *changeFeed) startLocked() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Str("dir", f.dir).Msg("fsnotify unavailable, polling download directory")
		return
	}
	if err := w.Add(f.dir); err != nil {
		_ = w.Close()
		log.Debug().Err(err).Str("dir", f.dir).Msg("watch download directory failed, polling instead")
		return
	}
	f.watcher = w
	f.done = make(chan struct{})
	go f.run(w, f.done)
}

func (f *changeFeed) run(w *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			f.broadcast()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", f.dir).Msg("download directory watcher error")
			// an overflow may have dropped events; wake everyone to rescan
			f.broadcast()
		}
	}
}
