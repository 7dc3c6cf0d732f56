package sources

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const partialExt = ".crdownload"

// HTTPFactoryConfig configures HTTPFactory.
type HTTPFactoryConfig struct {
	// DownloadDir is the shared directory exports are written into.
	DownloadDir string
	Cookies     *CookieStore
	UserAgent   string
	// Transport overrides the per-session transport (tests).
	Transport http.RoundTripper
	Clock     func() time.Time
}

// HTTPFactory opens cookie-authenticated HTTP sessions against the portals.
// Every driver gets its own jar and transport so sessions never share state.
type HTTPFactory struct {
	cfg HTTPFactoryConfig
}

// NewHTTPFactory validates cfg and returns a factory.
func NewHTTPFactory(cfg HTTPFactoryConfig) (*HTTPFactory, error) {
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return nil, errors.New("http factory: download dir is empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &HTTPFactory{cfg: cfg}, nil
}

// NewDriver implements Factory.
func (f *HTTPFactory) NewDriver(ctx context.Context, src Source) (Driver, error) {
	if src.Mode == ModeDisabled {
		return &disabledDriver{source: src}, nil
	}
	sess, err := f.newSession(src)
	if err != nil {
		return nil, err
	}
	switch src.Mode {
	case ModeExport:
		return &exportDriver{session: sess}, nil
	case ModeDirect:
		return &sigmaDriver{session: sess}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedSource, "mode %s", src.Mode)
	}
}

func (f *HTTPFactory) newSession(src Source) (*session, error) {
	jar, err := f.cfg.Cookies.NewJar()
	if err != nil {
		return nil, err
	}
	transport := f.cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &session{
		source:      src,
		downloadDir: f.cfg.DownloadDir,
		userAgent:   f.cfg.UserAgent,
		clock:       f.cfg.Clock,
		client:      &http.Client{Jar: jar, Transport: transport},
	}, nil
}

// session is one independent HTTP "browser" for a single task.
type session struct {
	source      Source
	downloadDir string
	userAgent   string
	clock       func() time.Time
	client      *http.Client

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.client.CloseIdleConnections()
		log.Debug().Str("source", string(s.source.Kind)).Msg("source session closed")
	})
	return nil
}

func (s *session) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if s.isClosed() {
		return nil, errors.Wrap(ErrSessionInvalid, "session already closed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", rawURL)
	}
	if err := checkSession(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, errors.Errorf("GET %s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// checkSession detects a dead authentication: explicit 401/403, or a
// redirect chain that ended on a login page.
func checkSession(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(ErrSessionInvalid, "status %d", resp.StatusCode)
	}
	if resp.Request != nil && resp.Request.URL != nil {
		path := strings.ToLower(resp.Request.URL.Path)
		if strings.Contains(path, "/login") || strings.Contains(path, "/auth") {
			return errors.Wrapf(ErrSessionInvalid, "redirected to %s", resp.Request.URL.Path)
		}
	}
	return nil
}

// exportDriver fetches an export URL and saves the body the way a browser
// does: into "<name>.crdownload" first, renamed once fully written.
type exportDriver struct {
	session *session
}

func (d *exportDriver) Dispatch(ctx context.Context, req Request) (Delivery, error) {
	resp, err := d.session.get(ctx, req.URL)
	if err != nil {
		return Delivery{}, err
	}
	defer resp.Body.Close()
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); strings.HasPrefix(ct, "text/html") {
		return Delivery{}, errors.Errorf("export %s returned an html page instead of a spreadsheet", req.URL)
	}
	name := d.session.fileName(resp.Header.Get("Content-Disposition"))
	saved, err := d.session.save(name, resp.Body)
	if err != nil {
		return Delivery{}, err
	}
	return SavedFile(saved), nil
}

func (d *exportDriver) Close() error {
	return d.session.close()
}

// fileName derives the download name from Content-Disposition, falling back
// to "<kind>-<timestamp>.xlsx".
func (s *session) fileName(disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(strings.TrimSpace(params["filename"])); name != "" && name != "." && name != "/" {
				if !strings.EqualFold(filepath.Ext(name), ".xlsx") {
					name = strings.TrimSuffix(name, filepath.Ext(name)) + ".xlsx"
				}
				return name
			}
		}
	}
	return fmt.Sprintf("%s-%s.xlsx", s.source.Kind, s.clock().Format("20060102-150405.000000000"))
}

// save streams body into the shared directory through a partial file and
// returns the final path. Name collisions get a " (n)" suffix.
func (s *session) save(name string, body io.Reader) (string, error) {
	final, f, err := createPartial(s.downloadDir, name)
	if err != nil {
		return "", err
	}
	partial := final + partialExt
	written, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(partial)
		if copyErr != nil {
			return "", errors.Wrap(copyErr, "write download")
		}
		return "", errors.Wrap(closeErr, "close download")
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return "", errors.Wrapf(err, "finalize %s", filepath.Base(final))
	}
	log.Info().
		Str("source", string(s.source.Kind)).
		Str("file", filepath.Base(final)).
		Int64("bytes", written).
		Msg("source download finished")
	return final, nil
}

// maxNameAttempts bounds the retries when a concurrent session grabs the
// same partial name between the check and the exclusive create.
const maxNameAttempts = 100

// createPartial reserves a free final name by exclusively creating its
// partial file.
func createPartial(dir, name string) (string, *os.File, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		final := uniquePath(dir, name)
		f, err := os.OpenFile(final+partialExt, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return final, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, errors.Wrapf(err, "create %s", filepath.Base(final+partialExt))
		}
	}
	return "", nil, errors.Errorf("no free download name for %s after %d attempts", name, maxNameAttempts)
}

func uniquePath(dir, name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, errFinal := os.Stat(candidate)
		_, errPartial := os.Stat(candidate + partialExt)
		if os.IsNotExist(errFinal) && os.IsNotExist(errPartial) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

// disabledDriver acknowledges requests for a portal whose export is switched
// off.
type disabledDriver struct {
	source Source
}

func (d *disabledDriver) Dispatch(ctx context.Context, req Request) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	log.Info().Str("source", string(d.source.Kind)).Str("url", req.URL).Msg("source disabled, acknowledging without export")
	return Acknowledged(), nil
}

func (d *disabledDriver) Close() error { return nil }
