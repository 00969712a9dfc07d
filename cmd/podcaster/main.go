package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robertmeta/podcaster/config"
	"github.com/robertmeta/podcaster/engine"
	"github.com/robertmeta/podcaster/logger"
	"github.com/robertmeta/podcaster/model"
	"github.com/robertmeta/podcaster/opml"
	"github.com/robertmeta/podcaster/store"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
	ExitSyncFailures = 4
)

func main() {
	app := &cli.App{
		Name:    "podcaster",
		Usage:   "Download new podcast episodes",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: <user config dir>/podcaster/config.toml)",
				EnvVars: []string{"PODCASTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override the configured log format (console, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Fetch every feed and download missing episodes",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "dry-run",
						Aliases: []string{"n"},
						Usage:   "Only print what would be downloaded",
					},
					&cli.IntFlag{
						Name:    "jobs",
						Aliases: []string{"j"},
						Usage:   "Maximum concurrent requests per stage (default: max_parallel_downloads)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the run report as JSON",
					},
				},
				Action: syncPodcasts,
			},
			{
				Name:  "status",
				Usage: "List archived sync runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   20,
						Usage:   "Maximum number of runs to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Value:   0,
						Usage:   "Offset for pagination",
					},
					&cli.BoolFlag{
						Name:    "failed",
						Aliases: []string{"f"},
						Usage:   "Show only runs with failures",
					},
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Show runs since duration (e.g., 7d, 2w, 3m, 1y)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print runs as JSON",
					},
				},
				Action: listRuns,
			},
			{
				Name:      "show",
				Usage:     "Show the downloads and failures of one run",
				ArgsUsage: "<run-id>",
				Action:    showRun,
			},
			{
				Name:  "prune",
				Usage: "Delete archived runs older than a duration",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "older-than",
						Value: "90d",
						Usage: "Age of the runs to delete (e.g., 30d, 6m)",
					},
				},
				Action: pruneRuns,
			},
			{
				Name:      "import",
				Usage:     "Add podcasts from an OPML file to the config",
				ArgsUsage: "<opml-file>",
				Action:    importOPML,
			},
			{
				Name:  "export",
				Usage: "Export podcasts to OPML",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration",
				Action: showConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func configPath(c *cli.Context) (string, error) {
	if p := c.String("config"); p != "" {
		return p, nil
	}
	return config.DefaultPath()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path, err := configPath(c)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newLogger(c *cli.Context, cfg *config.Config) (*zap.Logger, error) {
	logCfg := cfg.Logging
	if lvl := c.String("log-level"); lvl != "" {
		logCfg.Level = lvl
	}
	if format := c.String("log-format"); format != "" {
		logCfg.Format = format
	}
	return loggerFor(logCfg)
}

// loggerFor builds the configured logger. When that fails it still returns
// a usable stderr logger along with the error.
func loggerFor(cfg logger.Config) (*zap.Logger, error) {
	l, err := logger.New(cfg)
	if err != nil {
		return logger.NewDefault(), err
	}
	return l, nil
}

func getStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s, err := store.New(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

func openStore(c *cli.Context) (*store.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return getStore(cfg)
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func syncPodcasts(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	if len(cfg.Podcasts) == 0 {
		return cli.Exit("No podcasts configured; add [[podcast]] entries or run import", ExitDataError)
	}

	log, err := newLogger(c, cfg)
	if err != nil {
		// An unwritable log file should not block a sync.
		log.Warn("Falling back to stderr logging", zap.Error(err))
	}
	defer log.Sync()

	opts := engine.OptionsFromConfig(cfg, time.Now())
	opts.DryRun = c.Bool("dry-run")
	if c.IsSet("jobs") {
		if c.Int("jobs") < 1 {
			return cli.Exit("--jobs must be at least 1", ExitUsageError)
		}
		opts.MaxJobs = c.Int("jobs")
	}

	// JSON goes to stdout alone; progress moves to stderr.
	jsonOut := c.Bool("json")
	var progressOut io.Writer = os.Stdout
	if jsonOut {
		progressOut = os.Stderr
	}

	eng := engine.New(opts, progressOut, log)
	if s, err := getStore(cfg); err != nil {
		log.Warn("Run log unavailable; this run will not be archived", zap.Error(err))
	} else {
		defer s.Close()
		eng.SetRunLog(s)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := eng.Run(ctx)
	if errors.Is(err, model.ErrDownloadDirMissing) {
		return cli.Exit(err.Error(), ExitDataError)
	}
	if report == nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}

	if jsonOut {
		if err := outputJSON(reportJSON(report)); err != nil {
			return cli.Exit(err.Error(), ExitGeneralError)
		}
	} else if err := engine.WriteSummary(os.Stdout, report); err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}

	if errors.Is(err, context.Canceled) {
		return cli.Exit("Interrupted", ExitGeneralError)
	}
	if report.HasFailures() {
		return cli.Exit("", ExitSyncFailures)
	}
	return nil
}

// reportJSON flattens a report for JSON output. Errors are rendered as
// strings since error values do not marshal.
func reportJSON(r *model.Report) map[string]interface{} {
	var failedFeeds []map[string]string
	for _, f := range r.FailedFetches() {
		failedFeeds = append(failedFeeds, map[string]string{
			"feed_url": f.Subscription.FeedURL,
			"error":    f.Err.Error(),
		})
	}

	downloads := make([]map[string]interface{}, 0, len(r.Downloads))
	for _, d := range r.Downloads {
		entry := map[string]interface{}{
			"podcast":   d.Task.Podcast,
			"guid":      d.Task.GUID,
			"url":       d.Task.URL.String(),
			"file_path": d.Task.FilePath,
			"bytes":     d.Bytes,
			"success":   !d.Failed(),
		}
		if d.Err != nil {
			entry["error"] = d.Err.Error()
		}
		downloads = append(downloads, entry)
	}

	planned := make([]map[string]interface{}, 0)
	totalSize, partial := int64(0), false
	if r.Plan != nil {
		totalSize, partial = r.Plan.TotalSize, r.Plan.Partial
		for _, t := range r.Plan.Tasks {
			planned = append(planned, map[string]interface{}{
				"podcast":   t.Podcast,
				"guid":      t.GUID,
				"url":       t.URL.String(),
				"file_path": t.FilePath,
				"size":      t.Size,
			})
		}
	}

	return map[string]interface{}{
		"run_id":       r.RunID,
		"dry_run":      r.DryRun,
		"started_at":   r.StartedAt,
		"finished_at":  r.FinishedAt,
		"feeds":        len(r.Fetches),
		"failed_feeds": failedFeeds,
		"planned":      planned,
		"total_size":   totalSize,
		"partial":      partial,
		"downloads":    downloads,
		"bytes":        r.BytesWritten(),
		"success":      !r.HasFailures(),
	}
}

func listRuns(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	since, err := config.Cutoff(c.String("since"), time.Now())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid --since: %v", err), ExitUsageError)
	}
	opts := store.RunQuery(c.Int("limit"), c.Int("offset"), c.Bool("failed"), since)

	runs, err := s.GetRuns(opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get runs: %v", err), ExitDataError)
	}

	if c.Bool("json") {
		return outputJSON(map[string]interface{}{
			"count":  len(runs),
			"limit":  opts.Limit,
			"offset": opts.Offset,
			"runs":   runs,
		})
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, run := range runs {
		fmt.Println(formatRun(run))
	}
	return nil
}

func formatRun(run *model.RunSummary) string {
	state := "ok"
	switch {
	case run.DryRun:
		state = "dry run"
	case run.Failed():
		state = "failed"
	}

	size := model.HumanSizeString(run.TotalSize)
	if run.Partial {
		size = ">=" + size
	}

	return fmt.Sprintf("%s  %-14s  %-7s  feeds %d (%d failed)  downloads %d/%d (%d failed)  %s",
		run.ID,
		humanize.Time(run.StartedAt),
		state,
		run.Feeds, run.FailedFeeds,
		run.Downloaded, run.Planned, run.FailedDownloads,
		size)
}

func showRun(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: podcaster show <run-id>", ExitUsageError)
	}
	id := c.Args().Get(0)

	s, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	run, err := s.GetRun(id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get run: %v", err), ExitDataError)
	}
	downloads, err := s.GetDownloads(id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get downloads: %v", err), ExitDataError)
	}
	failures, err := s.GetFetchFailures(id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feed failures: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"run":              run,
		"started_relative": humanize.Time(run.StartedAt),
		"downloads":        downloads,
		"feed_failures":    failures,
	})
}

func pruneRuns(c *cli.Context) error {
	age, err := config.ParseAge(c.String("older-than"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid --older-than: %v", err), ExitUsageError)
	}
	before := time.Now().Add(-age)

	s, err := openStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	deleted, err := s.DeleteRunsBefore(before)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to prune runs: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"deleted": deleted,
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: podcaster import <opml-file>", ExitUsageError)
	}

	file, err := os.Open(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	subs, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	path, err := configPath(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}

	// A missing config file is created; an existing one must be valid.
	cfg := config.Default()
	if _, statErr := os.Stat(path); statErr == nil {
		if cfg, err = config.Load(path); err != nil {
			return cli.Exit(err.Error(), ExitDataError)
		}
	}

	var valid []model.Subscription
	var errs []string
	for _, sub := range subs {
		if err := sub.Validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		valid = append(valid, sub)
	}

	imported := cfg.AddSubscriptions(valid)
	if imported > 0 {
		if err := config.Save(cfg, path); err != nil {
			return cli.Exit(err.Error(), ExitDataError)
		}
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"imported": imported,
		"skipped":  len(subs) - imported,
		"total":    len(subs),
		"errors":   errs,
		"config":   path,
	})
}

func exportOPML(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}

	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		writer = os.Stdout
	} else {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, cfg.Podcasts); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(cfg.Podcasts),
		})
	}
	return nil
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"path":                   cfg.Path,
		"download_dir":           cfg.DownloadDir,
		"max_parallel_downloads": cfg.MaxParallelDownloads,
		"episodes_per_podcast":   cfg.EpisodesPerPodcast,
		"since":                  cfg.Since,
		"timeout":                cfg.Timeout.String(),
		"max_retries":            cfg.MaxRetries,
		"retry_delay":            cfg.RetryDelay.String(),
		"rate_limit":             cfg.RateLimit,
		"user_agent":             cfg.UserAgent,
		"history_db":             cfg.HistoryDB,
		"logging": map[string]string{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.OutputPath,
		},
		"podcasts": cfg.Podcasts,
	})
}
