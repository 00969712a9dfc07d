// Package engine runs a podcast sync: fetch every feed, plan the missing
// episodes and download them.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robertmeta/podcaster/config"
	"github.com/robertmeta/podcaster/download"
	"github.com/robertmeta/podcaster/feed"
	"github.com/robertmeta/podcaster/model"
	"github.com/robertmeta/podcaster/progress"
	"github.com/robertmeta/podcaster/transfer"
	"go.uber.org/zap"
)

// Options configures a sync run.
type Options struct {
	DownloadDir   string
	Subscriptions []model.Subscription
	// MaxJobs bounds the fetch stage and the download stage independently.
	MaxJobs  int
	Policy   download.Policy
	Transfer transfer.Options
	DryRun   bool
}

// OptionsFromConfig derives run options from a loaded configuration. now
// anchors the since watermark.
func OptionsFromConfig(cfg *config.Config, now time.Time) Options {
	return Options{
		DownloadDir:   cfg.DownloadDir,
		Subscriptions: cfg.Podcasts,
		MaxJobs:       cfg.MaxParallelDownloads,
		Policy: download.Policy{
			MaxEpisodes: cfg.EpisodesPerPodcast,
			Since:       cfg.Watermark(now),
		},
		Transfer: transfer.Options{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			RateLimit:  cfg.RateLimit,
			UserAgent:  cfg.UserAgent,
		},
	}
}

// RunLog archives finished runs.
type RunLog interface {
	SaveRun(r *model.Report) error
}

// Engine sequences the sync stages.
type Engine struct {
	opts   Options
	client *transfer.Client
	out    io.Writer
	runLog RunLog
	logger *zap.Logger
}

// New creates an Engine. Progress indicators are drawn to out.
func New(opts Options, out io.Writer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	if opts.MaxJobs < 1 {
		opts.MaxJobs = download.DefaultMaxJobs
	}
	return &Engine{
		opts:   opts,
		client: transfer.NewClient(opts.Transfer, logger),
		out:    out,
		logger: logger,
	}
}

// SetRunLog makes the engine archive every finished run to l.
func (e *Engine) SetRunLog(l RunLog) {
	e.runLog = l
}

// Run performs one sync. A missing download directory is the only fatal
// error and is reported before any request is made. Per-feed and per-file
// failures are collected in the report. When ctx is cancelled the partial
// report is returned together with the context error.
func (e *Engine) Run(ctx context.Context) (*model.Report, error) {
	if err := checkDir(e.opts.DownloadDir); err != nil {
		return nil, err
	}

	report := &model.Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		DryRun:    e.opts.DryRun,
	}
	log := e.logger.With(zap.String("run_id", report.RunID))
	log.Info("Starting sync",
		zap.Int("podcasts", len(e.opts.Subscriptions)),
		zap.Int("max_jobs", e.opts.MaxJobs),
		zap.Bool("dry_run", e.opts.DryRun))

	fetchProgress := progress.New(e.out)
	fetcher := feed.NewFetcher(e.client, fetchProgress, log)
	report.Fetches = fetcher.FetchAll(ctx, e.opts.Subscriptions, e.opts.MaxJobs)
	fetchProgress.Close()

	planner := download.NewPlanner(e.opts.DownloadDir, e.opts.Policy, log)
	report.Plan = planner.Plan(report.Fetches)
	log.Info("Planned downloads",
		zap.Int("tasks", len(report.Plan.Tasks)),
		zap.String("total_size", model.HumanSizeString(report.Plan.TotalSize)),
		zap.Bool("partial", report.Plan.Partial))

	if !e.opts.DryRun && len(report.Plan.Tasks) > 0 {
		downloadProgress := progress.New(e.out)
		executor := download.NewExecutor(e.client, downloadProgress, e.opts.MaxJobs, log)
		report.Downloads = executor.Execute(ctx, report.Plan.Tasks)
		downloadProgress.Close()
	}

	report.FinishedAt = time.Now()
	log.Info("Sync finished",
		zap.Int("failed_feeds", len(report.FailedFetches())),
		zap.Int("failed_downloads", len(report.FailedDownloads())),
		zap.Int64("bytes", report.BytesWritten()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	if e.runLog != nil {
		if err := e.runLog.SaveRun(report); err != nil {
			log.Warn("Failed to archive run", zap.Error(err))
		}
	}

	return report, ctx.Err()
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrDownloadDirMissing, dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", model.ErrDownloadDirMissing, dir)
	}
	return nil
}
