package sources

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

const defaultCookieCacheTTL = 5 * time.Minute

// exportedCookie matches the JSON a browser automation session dumps via
// get_cookies: one object per cookie.
type exportedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	Expiry   float64 `json:"expiry,omitempty"`
}

// CookieStore reads the exported portal cookies and seeds per-session jars.
// The file is re-read at most once per TTL so a refreshed export is picked up
// without restarting.
type CookieStore struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu         sync.Mutex
	cache      []exportedCookie
	lastReload time.Time
}

// NewCookieStore builds a store for path. An empty path yields empty jars.
func NewCookieStore(path string, ttl time.Duration) *CookieStore {
	if ttl <= 0 {
		ttl = defaultCookieCacheTTL
	}
	return &CookieStore{path: strings.TrimSpace(path), ttl: ttl, now: time.Now}
}

// NewJar returns a fresh cookie jar holding the exported cookies.
func (s *CookieStore) NewJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}
	if s == nil {
		return jar, nil
	}
	cookies, err := s.load()
	if err != nil {
		return nil, err
	}
	byHost := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(strings.TrimSpace(c.Domain), ".")
		if host == "" || strings.TrimSpace(c.Name) == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if hc.Path == "" {
			hc.Path = "/"
		}
		if c.Expiry > 0 {
			hc.Expires = time.Unix(int64(c.Expiry), 0)
		}
		byHost[host] = append(byHost[host], hc)
	}
	for host, list := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, list)
	}
	return jar, nil
}

func (s *CookieStore) load() ([]exportedCookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.cache != nil && now.Sub(s.lastReload) < s.ttl {
		return s.cache, nil
	}
	if s.path == "" {
		s.cache = []exportedCookie{}
		s.lastReload = now
		return s.cache, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("cookie_file", s.path).Msg("cookie file not found, sessions start unauthenticated")
			s.cache = []exportedCookie{}
			s.lastReload = now
			return s.cache, nil
		}
		return nil, errors.Wrapf(err, "read cookie file %s", s.path)
	}
	var cookies []exportedCookie
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &cookies); err != nil {
			return nil, errors.Wrapf(err, "decode cookie file %s", s.path)
		}
	}
	if cookies == nil {
		cookies = []exportedCookie{}
	}
	s.cache = cookies
	s.lastReload = now
	log.Debug().Str("cookie_file", s.path).Int("cookies", len(cookies)).Msg("loaded portal cookies")
	return cookies, nil
}
