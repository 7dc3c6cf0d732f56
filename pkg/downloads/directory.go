// Package downloads coordinates access to the shared directory that source
// sessions download into.
//
// All listings that feed a decision and all renames go through one mutex per
// directory path, shared process-wide. Claimed files are tracked in an
// in-process registry (canonical number -> path) so arbitration does not rely
// on directory diffs alone; the filesystem only reports arrivals.
package downloads

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// SpreadsheetExt is the extension every claimed file carries.
	SpreadsheetExt = ".xlsx"
	// PartialExt marks a browser download that is still being written.
	PartialExt = ".crdownload"

	DefaultPollInterval     = time.Second
	DefaultWatchTimeout     = 30 * time.Second
	DefaultStabilizeTimeout = time.Minute

	maxBackoffFactor     = 4
	minStabilizeInterval = 20 * time.Millisecond
)

var (
	// ErrTimeout is returned when no file appears, or a file never settles,
	// within the allotted budget. It is a per-source, recoverable condition.
	ErrTimeout = errors.New("downloads: timed out waiting for file")
	// ErrAlreadyClaimed means another caller reserved or claimed the candidate.
	ErrAlreadyClaimed = errors.New("downloads: file already claimed")
	// ErrGone means the candidate disappeared before it could be renamed.
	ErrGone = errors.New("downloads: candidate no longer available")
)

var canonicalName = regexp.MustCompile(`^([1-9][0-9]*)\.xlsx$`)

// Options tunes polling behaviour. Zero values fall back to defaults.
type Options struct {
	// PollInterval is the base delay between listings when no change
	// notification arrives; it doubles up to 4x while the directory is quiet.
	PollInterval time.Duration
	// StabilizeTimeout bounds how long Claim waits for a candidate to finish
	// writing, independently of the caller's watch timeout.
	StabilizeTimeout time.Duration
	// DisableNotify forces pure polling (no fsnotify watcher).
	DisableNotify bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StabilizeTimeout <= 0 {
		o.StabilizeTimeout = DefaultStabilizeTimeout
	}
	return o
}

// Snapshot is the set of file names present in the directory at one instant.
type Snapshot map[string]struct{}

// Contains reports whether name was present when the snapshot was taken.
func (s Snapshot) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// ClaimedFile is a download that has been renamed to its canonical name.
type ClaimedFile struct {
	Path        string
	Number      int
	SourceIndex int
}

// Name returns the canonical base name, e.g. "3.xlsx".
func (c ClaimedFile) Name() string {
	return filepath.Base(c.Path)
}

// Directory is the process-wide handle of one shared download directory.
type Directory struct {
	path string
	opts Options

	// mu linearizes listings, reservations and renames.
	mu       sync.Mutex
	claimed  map[int]string
	reserved map[string]int
	// expected holds names that a source announced as its own output.
	expected map[string]int

	feed *changeFeed
}

var (
	openMu      sync.Mutex
	openedPaths = make(map[string]*Directory)
)

// Open returns the shared Directory for path, creating the directory on disk
// when missing. Every call for the same cleaned absolute path yields the same
// instance (and therefore the same lock); opts only apply to the first call.
func Open(path string, opts Options) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("downloads: directory path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "downloads: resolve directory path")
	}
	abs = filepath.Clean(abs)

	openMu.Lock()
	defer openMu.Unlock()
	if dir, ok := openedPaths[abs]; ok {
		return dir, nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "downloads: create directory %s", abs)
	}
	opts = opts.withDefaults()
	dir := &Directory{
		path:     abs,
		opts:     opts,
		claimed:  make(map[int]string),
		reserved: make(map[string]int),
		expected: make(map[string]int),
		feed:     newChangeFeed(abs, !opts.DisableNotify),
	}
	openedPaths[abs] = dir
	return dir, nil
}

// Path returns the absolute directory path.
func (d *Directory) Path() string {
	return d.path
}

// Snapshot lists the directory under the lock.
func (d *Directory) Snapshot() (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readLocked()
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(entries))
	for _, e := range entries {
		snap[e.name] = struct{}{}
	}
	return snap, nil
}

// Claimed returns the registry content ordered by number.
func (d *Directory) Claimed() []ClaimedFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ClaimedFile, 0, len(d.claimed))
	for n, p := range d.claimed {
		out = append(out, ClaimedFile{Path: p, Number: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Release deletes a claimed file and frees its number for later claims.
func (d *Directory) Release(file ClaimedFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.claimed[file.Number]; ok && p == file.Path {
		delete(d.claimed, file.Number)
	}
	if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "downloads: remove %s", file.Path)
	}
	log.Debug().Str("file", file.Path).Int("number", file.Number).Msg("released claimed download")
	return nil
}

// Expect marks name as the pending output of sourceIndex so that callers
// waiting for an arbitrary new file skip it. The returned func drops the
// mark. A name already expected by another source yields ErrAlreadyClaimed.
func (d *Directory) Expect(name string, sourceIndex int) (func(), error) {
	name = filepath.Base(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.expected[name]; ok && owner != sourceIndex {
		return nil, errors.Wrapf(ErrAlreadyClaimed, "%s expected by source %d", name, owner)
	}
	d.expected[name] = sourceIndex
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if owner, ok := d.expected[name]; ok && owner == sourceIndex {
				delete(d.expected, name)
			}
			d.mu.Unlock()
		})
	}, nil
}

// Discard removes an unclaimed download (and its partial) that its source
// gave up on. Claimed or reserved names are left alone.
func (d *Directory) Discard(name string) error {
	name = filepath.Base(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reserved[name]; ok {
		return errors.Wrapf(ErrAlreadyClaimed, "%s", name)
	}
	for _, p := range d.claimed {
		if filepath.Base(p) == name {
			return errors.Wrapf(ErrAlreadyClaimed, "%s", name)
		}
	}
	path := filepath.Join(d.path, name)
	for _, p := range []string{path, path + PartialExt} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "downloads: remove %s", filepath.Base(p))
		}
	}
	log.Debug().Str("file", name).Msg("discarded abandoned download")
	return nil
}

// lookup reports name when it exists as a finished (non-partial) file that
// nobody has claimed yet.
func (d *Directory) lookup(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.claimed {
		if filepath.Base(p) == name {
			return "", errors.Wrapf(ErrAlreadyClaimed, "%s", name)
		}
	}
	info, err := os.Stat(filepath.Join(d.path, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "downloads: stat %s", name)
	}
	if info.IsDir() {
		return "", errors.Errorf("downloads: %s is a directory", name)
	}
	return name, nil
}

type dirEntry struct {
	name    string
	modTime time.Time
}

func (d *Directory) readLocked() ([]dirEntry, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.Wrapf(err, "downloads: list %s", d.path)
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		entry := dirEntry{name: e.Name()}
		if info, err := e.Info(); err == nil {
			entry.modTime = info.ModTime()
		}
		out = append(out, entry)
	}
	return out, nil
}

// scan returns the oldest arrival that is a claim candidate for a caller
// whose pre-dispatch listing is exclude.
func (d *Directory) scan(exclude Snapshot) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readLocked()
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(d.claimed))
	for _, p := range d.claimed {
		taken[filepath.Base(p)] = struct{}{}
	}
	var candidates []dirEntry
	for _, e := range entries {
		if exclude.Contains(e.name) || !isSpreadsheet(e.name) {
			continue
		}
		if _, ok := taken[e.name]; ok {
			continue
		}
		if _, ok := d.reserved[e.name]; ok {
			continue
		}
		if _, ok := d.expected[e.name]; ok {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.Before(candidates[j].modTime)
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name, nil
}

// nextFreeLocked picks the smallest n such that "<n>.xlsx" is neither on
// disk nor held in the registry.
func (d *Directory) nextFreeLocked() (int, error) {
	entries, err := d.readLocked()
	if err != nil {
		return 0, err
	}
	used := make(map[int]struct{}, len(entries)+len(d.claimed))
	for _, e := range entries {
		if m := canonicalName.FindStringSubmatch(e.name); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				used[n] = struct{}{}
			}
		}
	}
	for n := range d.claimed {
		used[n] = struct{}{}
	}
	n := 1
	for {
		if _, ok := used[n]; !ok {
			return n, nil
		}
		n++
	}
}

func canonicalFileName(n int) string {
	return fmt.Sprintf("%d%s", n, SpreadsheetExt)
}

func isSpreadsheet(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, SpreadsheetExt) && !strings.HasSuffix(lower, PartialExt)
}
