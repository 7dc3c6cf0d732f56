package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/internal/env"
	"github.com/pkg/errors"
)

// Environment variable names understood by Load.
const (
	EnvSourceURLs       = "REPORT_SOURCE_URLS"
	EnvDownloadDir      = "REPORT_DOWNLOAD_DIR"
	EnvOutputDir        = "REPORT_OUTPUT_DIR"
	EnvMaxWorkers       = "REPORT_MAX_WORKERS"
	EnvWatchTimeout     = "REPORT_WATCH_TIMEOUT"
	EnvDispatchTimeout  = "REPORT_DISPATCH_TIMEOUT"
	EnvStabilizeTimeout = "REPORT_STABILIZE_TIMEOUT"
	EnvPollInterval     = "REPORT_POLL_INTERVAL"
	EnvCookieFile       = "REPORT_COOKIE_FILE"
	EnvUserAgent        = "REPORT_USER_AGENT"
	EnvDBPath           = "REPORT_DB_PATH"
	EnvChatID           = "REPORT_CHAT_ID"
	EnvArchiveBucket    = "REPORT_ARCHIVE_BUCKET"
	EnvArchivePrefix    = "REPORT_ARCHIVE_PREFIX"
	EnvArchiveEndpoint  = "REPORT_ARCHIVE_ENDPOINT"
)

const (
	DefaultDownloadDir      = "downloads"
	DefaultReportSubdir     = "reports"
	DefaultMaxWorkers       = 4
	DefaultWatchTimeout     = 30 * time.Second
	DefaultDispatchTimeout  = 2 * time.Minute
	DefaultStabilizeTimeout = 60 * time.Second
	DefaultPollInterval     = time.Second
	DefaultCookieFile       = "cookies.json"
	DefaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	defaultDBDirName  = ".reportagent"
	defaultDBFileName = "batches.sqlite"
)

// Config is the resolved runtime configuration of one reportagent process.
type Config struct {
	SourceURLs       []string
	DownloadDir      string
	OutputDir        string
	MaxWorkers       int
	WatchTimeout     time.Duration
	DispatchTimeout  time.Duration
	StabilizeTimeout time.Duration
	PollInterval     time.Duration
	CookieFile       string
	UserAgent        string
	DBPath           string
	ChatID           string
	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveEndpoint  string
}

// Load resolves Config from the environment (and .env), applying defaults.
func Load() (Config, error) {
	cfg := Config{
		SourceURLs:       env.List(EnvSourceURLs),
		DownloadDir:      env.String(EnvDownloadDir, DefaultDownloadDir),
		OutputDir:        env.String(EnvOutputDir, ""),
		MaxWorkers:       env.Int(EnvMaxWorkers, DefaultMaxWorkers),
		WatchTimeout:     env.Duration(EnvWatchTimeout, DefaultWatchTimeout),
		DispatchTimeout:  env.Duration(EnvDispatchTimeout, DefaultDispatchTimeout),
		StabilizeTimeout: env.Duration(EnvStabilizeTimeout, DefaultStabilizeTimeout),
		PollInterval:     env.Duration(EnvPollInterval, DefaultPollInterval),
		CookieFile:       env.String(EnvCookieFile, DefaultCookieFile),
		UserAgent:        env.String(EnvUserAgent, DefaultUserAgent),
		DBPath:           env.String(EnvDBPath, ""),
		ChatID:           env.String(EnvChatID, ""),
		ArchiveBucket:    env.String(EnvArchiveBucket, ""),
		ArchivePrefix:    env.String(EnvArchivePrefix, ""),
		ArchiveEndpoint:  env.String(EnvArchiveEndpoint, ""),
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills defaults for zero values and resolves paths.
func (c *Config) Normalize() error {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = DefaultWatchTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.StabilizeTimeout <= 0 {
		c.StabilizeTimeout = DefaultStabilizeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if strings.TrimSpace(c.DownloadDir) == "" {
		c.DownloadDir = DefaultDownloadDir
	}
	dir, err := filepath.Abs(c.DownloadDir)
	if err != nil {
		return errors.Wrap(err, "config: resolve download dir")
	}
	c.DownloadDir = dir
	// Reports go into a subdirectory so the download scan never sees them.
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = filepath.Join(c.DownloadDir, DefaultReportSubdir)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "config: locate user home failed")
		}
		c.DBPath = filepath.Join(home, defaultDBDirName, defaultDBFileName)
	}
	return nil
}
