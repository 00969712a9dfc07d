package download

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robertmeta/podcaster/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func episode(guid, enclosure string, length int64) model.Episode {
	return model.Episode{GUID: guid, EnclosureURL: enclosure, Length: length}
}

func fetched(feedURL, override, channelTitle string, episodes ...model.Episode) model.FetchResult {
	return model.FetchResult{
		Subscription: model.Subscription{FeedURL: feedURL, Title: override},
		Channel:      &model.Channel{Title: channelTitle, Episodes: episodes},
	}
}

func TestTargetPath(t *testing.T) {
	dir := "/data"
	assert.Equal(t,
		filepath.Join(dir, "My Show", "show.mp3"),
		TargetPath(dir, "My Show", mustURL(t, "https://example.com/ep/42/show.mp3")))

	assert.Equal(t,
		filepath.Join(dir, "My Show", FallbackFileName),
		TargetPath(dir, "My Show", mustURL(t, "https://example.com")))
}

func TestFileName(t *testing.T) {
	tests := []struct {
		raw    string
		expect string
	}{
		{"https://example.com/ep/42/show.mp3", "show.mp3"},
		{"https://example.com/ep/42/show.mp3?token=abc", "show.mp3"},
		{"https://example.com/a%20b.mp3", "a b.mp3"},
		{"https://example.com/a/b%2Fc.mp3", "b%2Fc.mp3"},
		{"https://example.com/a/b%5Cc.mp3", "b%5Cc.mp3"},
		{"https://example.com/caf%C3%A9.mp3", "café.mp3"},
		{"https://example.com/ep/", "ep"},
		{"https://example.com/", FallbackFileName},
		{"https://example.com", FallbackFileName},
		{"https://example.com/..", FallbackFileName},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expect, FileName(mustURL(t, tt.raw)))
		})
	}
}

func TestPodcastTitle(t *testing.T) {
	channel := &model.Channel{Title: "Channel Title"}

	assert.Equal(t, "Override", PodcastTitle(model.Subscription{FeedURL: "https://x.example.com/rss", Title: "Override"}, channel))
	assert.Equal(t, "Channel Title", PodcastTitle(model.Subscription{FeedURL: "https://x.example.com/rss"}, channel))
	assert.Equal(t, "AC_DC Radio", PodcastTitle(model.Subscription{FeedURL: "https://x.example.com/rss"}, &model.Channel{Title: "AC/DC Radio"}))
	assert.Equal(t, "x.example.com", PodcastTitle(model.Subscription{FeedURL: "https://x.example.com/rss"}, &model.Channel{Title: "  "}))
	assert.Equal(t, "x.example.com", PodcastTitle(model.Subscription{FeedURL: "https://x.example.com/rss"}, &model.Channel{Title: ".."}))
}

func TestPlanner_TakesNewestEpisodeByDefault(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{MaxEpisodes: 1}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://example.com/rss", "My Show", "Ignored",
			episode("ep-3", "https://example.com/ep/3/show.mp3", 3000),
			episode("ep-2", "https://example.com/ep/2/older.mp3", 2000),
		),
	})

	require.Len(t, plan.Tasks, 1)
	task := plan.Tasks[0]
	assert.Equal(t, "ep-3", task.GUID)
	assert.Equal(t, "My Show", task.Podcast)
	assert.Equal(t, filepath.Join(dir, "My Show", "show.mp3"), task.FilePath)
	assert.Equal(t, "https://example.com/ep/3/show.mp3", task.URL.String())
	assert.Equal(t, 1, task.Index)
	assert.Equal(t, 1, task.Total)
	assert.Equal(t, int64(3000), plan.TotalSize)
	assert.False(t, plan.Partial)
}

func TestPlanner_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Show"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Show", "new.mp3"), []byte("done"), 0644))

	res := fetched("https://example.com/rss", "", "Show",
		episode("new", "https://example.com/new.mp3", 10),
		episode("old", "https://example.com/old.mp3", 10),
	)

	// The newest episode is on disk; with a limit of one nothing older is taken.
	plan := NewPlanner(dir, Policy{MaxEpisodes: 1}, nil).Plan([]model.FetchResult{res})
	assert.Empty(t, plan.Tasks)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, model.SkipAlreadyDownloaded, plan.Skipped[0].Reason)
	assert.Equal(t, int64(0), plan.TotalSize)
	assert.False(t, plan.Partial)

	// Without a limit, only the missing one is planned.
	plan = NewPlanner(dir, Policy{}, nil).Plan([]model.FetchResult{res})
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "old", plan.Tasks[0].GUID)
}

func TestPlanner_PartialSize(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://a.example.com/rss", "", "A",
			episode("a1", "https://a.example.com/1.mp3", 1_000),
			episode("a2", "https://a.example.com/2.mp3", 0),
		),
		fetched("https://b.example.com/rss", "", "B",
			episode("b1", "https://b.example.com/1.mp3", 500),
		),
	})

	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, int64(1_500), plan.TotalSize, "sum of known sizes")
	assert.True(t, plan.Partial)
	assert.False(t, plan.Tasks[1].SizeKnown())

	for i, task := range plan.Tasks {
		assert.Equal(t, i+1, task.Index)
		assert.Equal(t, 3, task.Total)
	}
	assert.Equal(t, "(3/3) 1.mp3", plan.Tasks[2].Label())
}

func TestPlanner_IgnoresFailedFeeds(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{MaxEpisodes: 1}, nil)

	plan := p.Plan([]model.FetchResult{
		{Subscription: model.Subscription{FeedURL: "https://broken.example.com/rss"}, Err: errors.New("bad xml")},
		fetched("https://ok.example.com/rss", "", "OK", episode("1", "https://ok.example.com/1.mp3", 1)),
	})

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "OK", plan.Tasks[0].Podcast)
}

func TestPlanner_EnclosureResolution(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://example.com/feeds/show.xml", "", "Show",
			episode("relative", "../media/rel.mp3", 1),
			episode("mailto", "mailto:host@example.com", 1),
			episode("ftp", "ftp://example.com/file.mp3", 1),
			episode("broken", "http://[::1", 1),
			episode("absolute", "https://cdn.example.com/abs.mp3", 1),
		),
	})

	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "https://example.com/media/rel.mp3", plan.Tasks[0].URL.String())
	assert.Equal(t, "https://cdn.example.com/abs.mp3", plan.Tasks[1].URL.String())
}

func TestPlanner_InvalidEnclosuresDoNotCountTowardsLimit(t *testing.T) {
	p := NewPlanner(t.TempDir(), Policy{MaxEpisodes: 1}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://example.com/rss", "", "Show",
			episode("bad", "mailto:nobody@example.com", 1),
			episode("good", "https://example.com/good.mp3", 1),
		),
	})

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "good", plan.Tasks[0].GUID)
}

func TestPlanner_DuplicateTargets(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://example.com/rss", "Show", "",
			episode("1", "https://example.com/a/episode.mp3", 1),
			episode("2", "https://example.com/b/episode.mp3", 1),
		),
	})

	require.Len(t, plan.Tasks, 1)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, model.SkipDuplicateTarget, plan.Skipped[0].Reason)
	assert.Equal(t, "2", plan.Skipped[0].GUID)
}

func TestPlanner_EncodedSlashDoesNotCollide(t *testing.T) {
	dir := t.TempDir()
	p := NewPlanner(dir, Policy{}, nil)

	plan := p.Plan([]model.FetchResult{
		fetched("https://example.com/rss", "Show", "",
			episode("1", "https://example.com/b%2Fc.mp3", 3),
			episode("2", "https://example.com/b_c.mp3", 2),
			episode("3", "https://example.com/b/c.mp3", 1),
		),
	})

	require.Len(t, plan.Tasks, 3)
	assert.Empty(t, plan.Skipped)
	assert.Equal(t, filepath.Join(dir, "Show", "b%2Fc.mp3"), plan.Tasks[0].FilePath)
	assert.Equal(t, filepath.Join(dir, "Show", "b_c.mp3"), plan.Tasks[1].FilePath)
	assert.Equal(t, filepath.Join(dir, "Show", "c.mp3"), plan.Tasks[2].FilePath)
}

func TestPlanner_SinceWatermark(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)
	old := now.Add(-60 * 24 * time.Hour)

	eps := []model.Episode{
		{GUID: "recent", EnclosureURL: "https://example.com/recent.mp3", Published: &recent},
		{GUID: "undated", EnclosureURL: "https://example.com/undated.mp3"},
		{GUID: "old", EnclosureURL: "https://example.com/old.mp3", Published: &old},
	}

	p := NewPlanner(t.TempDir(), Policy{Since: now.Add(-30 * 24 * time.Hour)}, nil)
	plan := p.Plan([]model.FetchResult{fetched("https://example.com/rss", "", "Show", eps...)})

	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "recent", plan.Tasks[0].GUID)
	assert.Equal(t, "undated", plan.Tasks[1].GUID)
}

func TestPlanner_EmptyInput(t *testing.T) {
	plan := NewPlanner(t.TempDir(), Policy{MaxEpisodes: 1}, nil).Plan(nil)
	assert.Empty(t, plan.Tasks)
	assert.Equal(t, int64(0), plan.TotalSize)
	assert.False(t, plan.Partial)
}
