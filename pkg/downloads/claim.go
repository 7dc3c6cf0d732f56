package downloads

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Claim reserves candidate for sourceIndex, waits for it to finish writing
// and renames it to "<n>.xlsx" with n the smallest number not on disk and
// not in the registry. Picking n and renaming happen under the directory
// lock as one unit.
//
// A candidate held by another caller yields ErrAlreadyClaimed; one that
// vanishes yields ErrGone. Both mean "keep waiting". A candidate that does
// not settle within Options.StabilizeTimeout yields ErrTimeout.
func (d *Directory) Claim(ctx context.Context, candidate string, sourceIndex int) (ClaimedFile, error) {
	name := filepath.Base(candidate)
	if err := d.reserve(name, sourceIndex); err != nil {
		return ClaimedFile{}, err
	}
	defer d.unreserve(name)

	if err := d.waitStable(ctx, name); err != nil {
		return ClaimedFile{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	src := filepath.Join(d.path, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ClaimedFile{}, errors.Wrapf(ErrGone, "%s", name)
		}
		return ClaimedFile{}, errors.Wrapf(err, "downloads: stat %s", name)
	}
	n, err := d.nextFreeLocked()
	if err != nil {
		return ClaimedFile{}, err
	}
	dst := filepath.Join(d.path, canonicalFileName(n))
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return ClaimedFile{}, errors.Wrapf(ErrGone, "%s", name)
		}
		return ClaimedFile{}, errors.Wrapf(err, "downloads: rename %s to %s", name, filepath.Base(dst))
	}
	d.claimed[n] = dst
	log.Info().
		Str("from", name).
		Str("to", filepath.Base(dst)).
		Int("source_index", sourceIndex).
		Msg("claimed download")
	return ClaimedFile{Path: dst, Number: n, SourceIndex: sourceIndex}, nil
}

func (d *Directory) reserve(name string, sourceIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.reserved[name]; ok {
		return errors.Wrapf(ErrAlreadyClaimed, "%s reserved by source %d", name, owner)
	}
	for _, p := range d.claimed {
		if filepath.Base(p) == name {
			return errors.Wrapf(ErrAlreadyClaimed, "%s", name)
		}
	}
	if _, err := os.Stat(filepath.Join(d.path, name)); os.IsNotExist(err) {
		return errors.Wrapf(ErrGone, "%s", name)
	}
	d.reserved[name] = sourceIndex
	return nil
}

func (d *Directory) unreserve(name string) {
	d.mu.Lock()
	delete(d.reserved, name)
	d.mu.Unlock()
	d.feed.broadcast()
}

// waitStable polls until the file has no partial-download sibling, is
// non-empty and keeps the same size across two consecutive polls. A file
// that is missing while no partial exists is reported as gone.
func (d *Directory) waitStable(ctx context.Context, name string) error {
	path := filepath.Join(d.path, name)
	budget := d.opts.StabilizeTimeout
	stableCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	interval := d.opts.PollInterval / 4
	if interval < minStabilizeInterval {
		interval = minStabilizeInterval
	}

	lastSize := int64(-1)
	for {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() && !partialExists(path) {
			size := info.Size()
			if size > 0 && size == lastSize {
				return nil
			}
			lastSize = size
		} else {
			if os.IsNotExist(err) && !partialExists(path) {
				return errors.Wrapf(ErrGone, "%s", name)
			}
			lastSize = -1
			log.Debug().Str("file", name).Msg("download not ready yet, waiting")
		}

		timer := time.NewTimer(interval)
		select {
		case <-stableCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(ErrTimeout, "%s did not settle within %s", name, budget)
		case <-timer.C:
		}
	}
}

func partialExists(path string) bool {
	_, err := os.Stat(path + PartialExt)
	return err == nil
}
