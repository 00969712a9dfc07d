// Package feed provides RSS/Atom feed fetching and parsing for podcaster.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/podcaster/model"
	"github.com/robertmeta/podcaster/progress"
	"github.com/robertmeta/podcaster/transfer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxJobs is the fetch concurrency used when none is configured.
const DefaultMaxJobs = 5

// Fetcher handles fetching and parsing podcast feeds.
type Fetcher struct {
	parser   *gofeed.Parser
	client   *transfer.Client
	progress *progress.Registry
	logger   *zap.Logger
}

// NewFetcher creates a new Fetcher. Progress is reported to reg.
func NewFetcher(client *transfer.Client, reg *progress.Registry, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		parser:   gofeed.NewParser(),
		client:   client,
		progress: reg,
		logger:   logger,
	}
}

// FetchAll fetches every subscription with at most maxJobs requests in
// flight. Results are in subscription order; a failed feed is reported in
// its own result and never stops the others.
func (f *Fetcher) FetchAll(ctx context.Context, subs []model.Subscription, maxJobs int) []model.FetchResult {
	if maxJobs < 1 {
		maxJobs = DefaultMaxJobs
	}

	results := make([]model.FetchResult, len(subs))
	var g errgroup.Group
	g.SetLimit(maxJobs)

	for i, sub := range subs {
		i, sub := i, sub
		results[i].Subscription = sub
		if ctx.Err() != nil {
			results[i].Err = &model.FetchError{FeedURL: sub.FeedURL, Err: ctx.Err()}
			continue
		}

		label := model.TaskLabel(i+1, len(subs), sub.FeedURL)
		g.Go(func() error {
			channel, err := f.Fetch(ctx, sub, label)
			results[i].Channel = channel
			results[i].Err = err
			return nil
		})
	}
	g.Wait()

	return results
}

// Fetch retrieves and parses one subscription's feed, reporting transfer
// progress under label.
func (f *Fetcher) Fetch(ctx context.Context, sub model.Subscription, label string) (*model.Channel, error) {
	f.logger.Debug("Fetching feed", zap.String("url", sub.FeedURL))

	total := f.client.ContentLength(ctx, sub.FeedURL)
	bar := f.progress.Acquire(total, label)

	var buf bytes.Buffer
	_, err := f.client.Download(ctx, sub.FeedURL, func() (io.Writer, error) {
		buf.Reset()
		bar.Reset()
		return &buf, nil
	}, bar.Advance)
	if err != nil {
		bar.Finish(err)
		f.logger.Warn("Failed to fetch feed", zap.String("url", sub.FeedURL), zap.Error(err))
		return nil, &model.FetchError{FeedURL: sub.FeedURL, Err: err}
	}

	channel, err := f.parse(&buf)
	if err != nil {
		bar.Finish(err)
		f.logger.Warn("Failed to parse feed", zap.String("url", sub.FeedURL), zap.Error(err))
		return nil, &model.FetchError{FeedURL: sub.FeedURL, Err: err}
	}
	bar.Finish(nil)

	f.logger.Info("Fetched feed",
		zap.String("url", sub.FeedURL),
		zap.String("title", channel.Title),
		zap.Int("episodes", len(channel.Episodes)))
	return channel, nil
}

// Parse parses feed content from a string.
func (f *Fetcher) Parse(content string) (*model.Channel, error) {
	if content == "" {
		return nil, fmt.Errorf("feed content is empty")
	}
	return f.parse(bytes.NewBufferString(content))
}

func (f *Fetcher) parse(r io.Reader) (*model.Channel, error) {
	parsedFeed, err := f.parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return convert(parsedFeed), nil
}

// convert converts a gofeed.Feed to our model types. Items without an
// enclosure are dropped.
func convert(gf *gofeed.Feed) *model.Channel {
	channel := &model.Channel{
		Title: gf.Title,
		Link:  gf.Link,
	}

	for _, item := range gf.Items {
		if ep, ok := convertItem(item); ok {
			channel.Episodes = append(channel.Episodes, ep)
		}
	}

	return channel
}

// convertItem converts a gofeed.Item to a model.Episode using its first
// enclosure that carries a URL.
func convertItem(item *gofeed.Item) (model.Episode, bool) {
	var enc *gofeed.Enclosure
	for _, e := range item.Enclosures {
		if e != nil && e.URL != "" {
			enc = e
			break
		}
	}
	if enc == nil {
		return model.Episode{}, false
	}

	ep := model.Episode{
		GUID:         item.GUID,
		Title:        item.Title,
		EnclosureURL: enc.URL,
		Length:       parseLength(enc.Length),
	}

	// Use the enclosure URL as GUID if GUID is missing
	if ep.GUID == "" {
		ep.GUID = enc.URL
	}

	if item.PublishedParsed != nil {
		ep.Published = item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		ep.Published = item.UpdatedParsed
	}

	return ep, true
}

// parseLength normalizes a declared enclosure length: zero, negative and
// unparsable values all mean unknown (0).
func parseLength(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
