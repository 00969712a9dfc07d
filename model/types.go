// Package model defines the core data structures for podcaster.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Subscription represents one configured podcast.
type Subscription struct {
	FeedURL string `json:"feed_url" mapstructure:"feed_url"`
	Title   string `json:"title,omitempty" mapstructure:"title"`
}

// Validate checks if the subscription has a usable feed URL.
func (s *Subscription) Validate() error {
	if s.FeedURL == "" {
		return errors.New("feed URL is required")
	}

	u, err := url.Parse(s.FeedURL)
	if err != nil {
		return fmt.Errorf("invalid feed URL %q: %w", s.FeedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed URL %q must use http or https", s.FeedURL)
	}
	if u.Host == "" {
		return fmt.Errorf("feed URL %q has no host", s.FeedURL)
	}
	return nil
}

// Channel is a parsed feed.
type Channel struct {
	Title    string    `json:"title"`
	Link     string    `json:"link,omitempty"`
	Episodes []Episode `json:"episodes"`
}

// Episode is a feed item together with its primary enclosure.
type Episode struct {
	GUID         string     `json:"guid"`
	Title        string     `json:"title,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	EnclosureURL string     `json:"enclosure_url"`
	// Length is the declared enclosure size in bytes, 0 when unknown.
	Length int64 `json:"length,omitempty"`
}

// DownloadTask is one planned file download.
type DownloadTask struct {
	GUID     string   `json:"guid"`
	Podcast  string   `json:"podcast"`
	URL      *url.URL `json:"-"`
	Size     int64    `json:"size,omitempty"` // 0 when unknown
	FilePath string   `json:"file_path"`
	Index    int      `json:"index"`
	Total    int      `json:"total"`
}

// FileName returns the base name of the target file.
func (t *DownloadTask) FileName() string {
	return filepath.Base(t.FilePath)
}

// SizeKnown reports whether the feed declared a usable size.
func (t *DownloadTask) SizeKnown() bool {
	return t.Size > 0
}

// Label returns the progress label, e.g. "(2/5) show.mp3".
func (t *DownloadTask) Label() string {
	return TaskLabel(t.Index, t.Total, t.FileName())
}

// HumanSize returns the declared size as a human-readable string.
func (t *DownloadTask) HumanSize() string {
	if !t.SizeKnown() {
		return "unknown size"
	}
	return HumanSizeString(t.Size)
}

// TaskLabel formats the ordinal label used by progress indicators.
func TaskLabel(index, total int, name string) string {
	return fmt.Sprintf("(%d/%d) %s", index, total, name)
}

// Skip records an episode the planner deliberately left out.
type Skip struct {
	Podcast  string `json:"podcast"`
	GUID     string `json:"guid"`
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

// Skip reasons.
const (
	SkipAlreadyDownloaded = "already downloaded"
	SkipDuplicateTarget   = "duplicate target"
)

// Plan is the ordered set of downloads for one sync run.
type Plan struct {
	Tasks     []*DownloadTask `json:"tasks"`
	Skipped   []Skip          `json:"skipped,omitempty"`
	TotalSize int64           `json:"total_size"`
	// Partial is true when at least one task has an unknown size, making
	// TotalSize a lower bound.
	Partial bool `json:"partial"`
}

// FetchResult is the outcome of fetching one subscription.
type FetchResult struct {
	Subscription Subscription `json:"subscription"`
	Channel      *Channel     `json:"-"`
	Err          error        `json:"-"`
}

// Failed returns true if the feed could not be fetched or parsed.
func (r *FetchResult) Failed() bool {
	return r.Err != nil
}

// DownloadResult is the outcome of executing one task.
type DownloadResult struct {
	Task  *DownloadTask `json:"task"`
	Bytes int64         `json:"bytes"`
	Err   error         `json:"-"`
}

// Failed returns true if the download did not complete.
func (r *DownloadResult) Failed() bool {
	return r.Err != nil
}

// Report summarizes a sync run.
type Report struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DryRun     bool             `json:"dry_run"`
	Fetches    []FetchResult    `json:"-"`
	Plan       *Plan            `json:"plan"`
	Downloads  []DownloadResult `json:"downloads"`
}

// FailedFetches returns the fetch results that failed.
func (r *Report) FailedFetches() []FetchResult {
	var failed []FetchResult
	for _, f := range r.Fetches {
		if f.Failed() {
			failed = append(failed, f)
		}
	}
	return failed
}

// FailedDownloads returns the download results that failed.
func (r *Report) FailedDownloads() []DownloadResult {
	var failed []DownloadResult
	for _, d := range r.Downloads {
		if d.Failed() {
			failed = append(failed, d)
		}
	}
	return failed
}

// HasFailures returns true if any feed or download failed.
func (r *Report) HasFailures() bool {
	return len(r.FailedFetches()) > 0 || len(r.FailedDownloads()) > 0
}

// BytesWritten returns the number of bytes written by successful downloads.
func (r *Report) BytesWritten() int64 {
	var n int64
	for _, d := range r.Downloads {
		if !d.Failed() {
			n += d.Bytes
		}
	}
	return n
}

// RunSummary is an archived sync run as stored in the run log.
type RunSummary struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DryRun          bool      `json:"dry_run"`
	Feeds           int       `json:"feeds"`
	FailedFeeds     int       `json:"failed_feeds"`
	Planned         int       `json:"planned"`
	Downloaded      int       `json:"downloaded"`
	FailedDownloads int       `json:"failed_downloads"`
	TotalSize       int64     `json:"total_size"`
	Partial         bool      `json:"partial"`
}

// Failed returns true if the run had any failure.
func (s *RunSummary) Failed() bool {
	return s.FailedFeeds > 0 || s.FailedDownloads > 0
}

// DownloadRecord is one archived download outcome.
type DownloadRecord struct {
	ID       int64  `json:"id"`
	RunID    string `json:"run_id"`
	Podcast  string `json:"podcast"`
	GUID     string `json:"guid"`
	URL      string `json:"url"`
	FilePath string `json:"file_path"`
	Bytes    int64  `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// FetchFailure is one archived feed failure.
type FetchFailure struct {
	RunID   string `json:"run_id"`
	FeedURL string `json:"feed_url"`
	Error   string `json:"error"`
}
