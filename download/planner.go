// Package download plans and executes episode downloads.
package download

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/robertmeta/podcaster/model"
	"go.uber.org/zap"
)

// FallbackFileName is used when an enclosure URL has no usable path segment.
const FallbackFileName = "episode.mp3"

// Policy decides which eligible episodes of a feed are considered.
type Policy struct {
	// MaxEpisodes is how many of the newest eligible episodes to take per
	// podcast; 0 takes all of them.
	MaxEpisodes int
	// Since excludes episodes published before it. Episodes without a date
	// are always kept. The zero time disables the watermark.
	Since time.Time
}

// Planner turns fetched feeds into download tasks.
type Planner struct {
	downloadDir string
	policy      Policy
	logger      *zap.Logger
}

// NewPlanner creates a Planner rooted at downloadDir.
func NewPlanner(downloadDir string, policy Policy, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		downloadDir: downloadDir,
		policy:      policy,
		logger:      logger,
	}
}

// Plan resolves the selected episodes of every successfully fetched feed to
// target files and drops the ones already on disk. Feeds are processed in
// order and episodes in feed order, so the result is deterministic.
func (p *Planner) Plan(fetched []model.FetchResult) *model.Plan {
	plan := &model.Plan{}
	claimed := make(map[string]bool)

	for _, res := range fetched {
		if res.Failed() || res.Channel == nil {
			continue
		}

		title := PodcastTitle(res.Subscription, res.Channel)
		base, _ := url.Parse(res.Subscription.FeedURL)

		for _, task := range p.selectEpisodes(title, base, res.Channel.Episodes) {
			if fileExists(task.FilePath) {
				plan.Skipped = append(plan.Skipped, model.Skip{
					Podcast: title, GUID: task.GUID, FilePath: task.FilePath, Reason: model.SkipAlreadyDownloaded,
				})
				continue
			}
			if claimed[task.FilePath] {
				p.logger.Warn("Two episodes resolve to the same file",
					zap.String("podcast", title),
					zap.String("guid", task.GUID),
					zap.String("path", task.FilePath))
				plan.Skipped = append(plan.Skipped, model.Skip{
					Podcast: title, GUID: task.GUID, FilePath: task.FilePath, Reason: model.SkipDuplicateTarget,
				})
				continue
			}
			claimed[task.FilePath] = true
			plan.Tasks = append(plan.Tasks, task)
		}
	}

	for i, task := range plan.Tasks {
		task.Index = i + 1
		task.Total = len(plan.Tasks)
		if task.SizeKnown() {
			plan.TotalSize += task.Size
		} else {
			plan.Partial = true
		}
	}

	p.logger.Debug("Planned downloads",
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("skipped", len(plan.Skipped)),
		zap.Int64("total_size", plan.TotalSize),
		zap.Bool("partial", plan.Partial))
	return plan
}

// selectEpisodes applies the policy to a feed's episodes. The cardinality
// limit is applied before the existence check: when the newest episode is
// already on disk nothing older is pulled in to replace it.
func (p *Planner) selectEpisodes(title string, base *url.URL, episodes []model.Episode) []*model.DownloadTask {
	var tasks []*model.DownloadTask
	for _, ep := range episodes {
		if p.policy.MaxEpisodes > 0 && len(tasks) >= p.policy.MaxEpisodes {
			break
		}
		if !p.policy.Since.IsZero() && ep.Published != nil && ep.Published.Before(p.policy.Since) {
			continue
		}

		u, ok := resolveEnclosure(base, ep.EnclosureURL)
		if !ok {
			p.logger.Debug("Skipping episode with unusable enclosure URL",
				zap.String("podcast", title),
				zap.String("url", ep.EnclosureURL))
			continue
		}

		tasks = append(tasks, &model.DownloadTask{
			GUID:     ep.GUID,
			Podcast:  title,
			URL:      u,
			Size:     ep.Length,
			FilePath: TargetPath(p.downloadDir, title, u),
		})
	}
	return tasks
}

// PodcastTitle returns the directory name for a podcast: the subscription's
// override, else the channel title, else the feed host.
func PodcastTitle(sub model.Subscription, channel *model.Channel) string {
	title := sub.Title
	if title == "" && channel != nil {
		title = channel.Title
	}
	title = sanitizeName(title)
	if title == "" {
		if u, err := url.Parse(sub.FeedURL); err == nil {
			title = sanitizeName(u.Host)
		}
	}
	if title == "" {
		title = "podcast"
	}
	return title
}

// TargetPath returns <downloadDir>/<title>/<last URL path segment>.
func TargetPath(downloadDir, title string, u *url.URL) string {
	return filepath.Join(downloadDir, title, FileName(u))
}

// FileName returns the last path segment of u, or FallbackFileName. The
// segment is percent-decoded unless decoding would yield a slash, in which
// case it is kept in its escaped form.
func FileName(u *url.URL) string {
	seg := path.Base(u.EscapedPath())
	if seg == "/" || seg == "." {
		return FallbackFileName
	}
	if name, err := url.PathUnescape(seg); err == nil && !strings.ContainsAny(name, "/\\") {
		seg = name
	}
	name := sanitizeName(seg)
	if name == "" {
		return FallbackFileName
	}
	return name
}

// resolveEnclosure resolves raw against the feed URL and accepts only
// absolute http(s) URLs.
func resolveEnclosure(base *url.URL, raw string) (*url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

// sanitizeName makes s safe to use as a single path element.
func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s == "." || s == ".." {
		return ""
	}
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
