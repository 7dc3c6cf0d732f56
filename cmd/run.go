package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	reportagent "github.com/ofdreport/ReportAgent"
	"github.com/ofdreport/ReportAgent/internal/config"
	"github.com/ofdreport/ReportAgent/internal/env"
	"github.com/ofdreport/ReportAgent/internal/feishusdk"
	"github.com/ofdreport/ReportAgent/pkg/archive"
	"github.com/ofdreport/ReportAgent/pkg/downloads"
	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/report"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runOptions struct {
	preset        string
	filter        string
	from          string
	to            string
	urls          []string
	workers       int
	downloadDir   string
	outputDir     string
	cookieFile    string
	chatID        string
	dbPath        string
	archiveRegion string
	watchTimeout  time.Duration
	keepReport    bool
	noHistory     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one report batch",
		Long:  "Downloads exports from every configured source, builds the consolidated report and delivers it to the operator chat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.apply(&cfg)
			if err := cfg.Normalize(); err != nil {
				return err
			}
			filter, rng, err := resolveWindow(opts.preset, opts.filter, opts.from, opts.to, time.Now())
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(sigCtx, cfg, opts)
			if err != nil {
				return err
			}
			defer app.close()

			log.Info().
				Int("sources", len(cfg.SourceURLs)).
				Int("max_workers", cfg.MaxWorkers).
				Str("filter", string(filter)).
				Str("range", rng.String()).
				Str("download_dir", cfg.DownloadDir).
				Msg("report batch starting")
			res, err := app.workflow.Run(sigCtx, reportagent.ReportRequest{
				URLs:   cfg.SourceURLs,
				Range:  rng,
				Filter: filter,
			})
			if err != nil {
				return err
			}
			event := log.Info().
				Str("batch_id", res.Batch.BatchID).
				Int("files", len(res.Batch.Files)).
				Int("failed", res.Batch.Failed).
				Bool("delivered", res.Delivered)
			if res.Report != nil {
				event = event.Int("rows", res.Report.Rows).Strs("skipped", res.Report.Skipped)
			}
			if res.ArchiveKey != "" {
				event = event.Str("archive_key", res.ArchiveKey)
			}
			event.Msg("report batch finished")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.preset, "preset", "", "Quick window: fn-this-month, fn-next-month, tariff-this-month, tariff-next-month")
	flags.StringVar(&opts.filter, "filter", "", "Filter kind: fn or tariff (default fn)")
	flags.StringVar(&opts.from, "from", "", "Window start, DD.MM.YYYY")
	flags.StringVar(&opts.to, "to", "", "Window end, DD.MM.YYYY")
	flags.StringArrayVar(&opts.urls, "url", nil, "Source URL (repeatable); overrides $"+config.EnvSourceURLs)
	flags.IntVar(&opts.workers, "workers", 0, "Max concurrent sources; overrides $"+config.EnvMaxWorkers)
	flags.StringVar(&opts.downloadDir, "download-dir", "", "Shared download directory; overrides $"+config.EnvDownloadDir)
	flags.StringVar(&opts.outputDir, "output-dir", "", "Report output directory; overrides $"+config.EnvOutputDir)
	flags.StringVar(&opts.cookieFile, "cookies", "", "Exported portal cookies; overrides $"+config.EnvCookieFile)
	flags.StringVar(&opts.chatID, "chat-id", "", "Lark chat receiving progress and the report; overrides $"+config.EnvChatID)
	flags.StringVar(&opts.dbPath, "db-path", "", "Batch history database; overrides $"+config.EnvDBPath)
	flags.StringVar(&opts.archiveRegion, "archive-region", "", "AWS region of the archive bucket")
	flags.DurationVar(&opts.watchTimeout, "watch-timeout", 0, "How long to wait for each download; overrides $"+config.EnvWatchTimeout)
	flags.BoolVar(&opts.keepReport, "keep-report", false, "Keep the consolidated report on disk after delivery")
	flags.BoolVar(&opts.noHistory, "no-history", false, "Do not record the batch in the history database")
	return cmd
}

func (o *runOptions) apply(cfg *config.Config) {
	if len(o.urls) > 0 {
		cfg.SourceURLs = o.urls
	}
	if o.workers > 0 {
		cfg.MaxWorkers = o.workers
	}
	if o.watchTimeout > 0 {
		cfg.WatchTimeout = o.watchTimeout
	}
	if o.downloadDir != "" {
		cfg.DownloadDir = o.downloadDir
		// Let Normalize place the reports under the new download dir.
		if env.String(config.EnvOutputDir, "") == "" {
			cfg.OutputDir = ""
		}
	}
	cfg.OutputDir = firstNonEmpty(o.outputDir, cfg.OutputDir)
	cfg.CookieFile = firstNonEmpty(o.cookieFile, cfg.CookieFile)
	cfg.ChatID = firstNonEmpty(o.chatID, cfg.ChatID)
	cfg.DBPath = firstNonEmpty(o.dbPath, cfg.DBPath)
}

// app holds everything a run needs and closes it afterwards.
type app struct {
	workflow *reportagent.ReportWorkflow
	store    *reportagent.BatchStore
}

func newApp(ctx context.Context, cfg config.Config, opts *runOptions) (*app, error) {
	dir, err := downloads.Open(cfg.DownloadDir, downloads.Options{
		PollInterval:     cfg.PollInterval,
		StabilizeTimeout: cfg.StabilizeTimeout,
	})
	if err != nil {
		return nil, err
	}
	factory, err := sources.NewHTTPFactory(sources.HTTPFactoryConfig{
		DownloadDir: dir.Path(),
		Cookies:     sources.NewCookieStore(cfg.CookieFile, 0),
		UserAgent:   cfg.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	a := &app{}
	orchCfg := reportagent.Config{
		Directory:  dir,
		Factory:    factory,
		MaxWorkers: cfg.MaxWorkers,
		Runner: reportagent.RunnerConfig{
			WatchTimeout:    cfg.WatchTimeout,
			DispatchTimeout: cfg.DispatchTimeout,
		},
	}
	if !opts.noHistory {
		store, err := reportagent.OpenBatchStore(cfg.DBPath)
		if err != nil {
			log.Warn().Err(err).Str("db_path", cfg.DBPath).Msg("batch history disabled")
		} else {
			a.store = store
			orchCfg.Recorder = store
		}
	}
	orch, err := reportagent.NewOrchestrator(orchCfg)
	if err != nil {
		a.close()
		return nil, err
	}

	wfCfg := reportagent.WorkflowConfig{
		Orchestrator: orch,
		Builder:      report.NewBuilder(),
		Channel:      newChannel(cfg.ChatID),
		OutputDir:    cfg.OutputDir,
		KeepReport:   opts.keepReport,
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:   cfg.ArchiveBucket,
			Prefix:   cfg.ArchivePrefix,
			Region:   opts.archiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			a.close()
			return nil, errors.Wrap(err, "init report archive")
		}
		wfCfg.Archiver = archiver
	}
	wf, err := reportagent.NewReportWorkflow(wfCfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.workflow = wf
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close batch history failed")
		}
	}
}

// newChannel always logs; it also posts to Lark when a chat is configured
// and the bot credentials are present.
func newChannel(chatID string) notify.FileSink {
	sinks := []notify.Sink{notify.LogSink{}}
	if chatID == "" {
		return notify.Tee(sinks...)
	}
	client, err := feishusdk.NewClientFromEnv()
	if err != nil {
		log.Warn().Err(err).Msg("lark channel disabled")
		return notify.Tee(sinks...)
	}
	lark, err := notify.NewLarkSink(client, chatID)
	if err != nil {
		log.Warn().Err(err).Msg("lark channel disabled")
		return notify.Tee(sinks...)
	}
	return notify.Tee(append(sinks, lark)...)
}
