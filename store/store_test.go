package store

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/robertmeta/podcaster/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, started time.Time) *model.Report {
	u1, _ := url.Parse("https://cdn.example.com/a.mp3")
	u2, _ := url.Parse("https://cdn.example.com/b.mp3")
	t1 := &model.DownloadTask{GUID: "a", Podcast: "Show", URL: u1, Size: 100, FilePath: "/data/Show/a.mp3", Index: 1, Total: 2}
	t2 := &model.DownloadTask{GUID: "b", Podcast: "Show", URL: u2, FilePath: "/data/Show/b.mp3", Index: 2, Total: 2}

	return &model.Report{
		RunID:      id,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Fetches: []model.FetchResult{
			{Subscription: model.Subscription{FeedURL: "https://example.com/ok"}},
			{Subscription: model.Subscription{FeedURL: "https://example.com/broken"}, Err: errors.New("bad xml")},
		},
		Plan: &model.Plan{
			Tasks:     []*model.DownloadTask{t1, t2},
			TotalSize: 100,
			Partial:   true,
		},
		Downloads: []model.DownloadResult{
			{Task: t1, Bytes: 100},
			{Task: t2, Bytes: 12, Err: errors.New("connection reset")},
		},
	}
}

func TestNewStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()
}

func TestSummarize(t *testing.T) {
	started := time.Unix(1_700_000_000, 0)
	summary := Summarize(sampleReport("run-1", started))

	assert.Equal(t, "run-1", summary.ID)
	assert.Equal(t, 2, summary.Feeds)
	assert.Equal(t, 1, summary.FailedFeeds)
	assert.Equal(t, 2, summary.Planned)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.FailedDownloads)
	assert.Equal(t, int64(100), summary.TotalSize)
	assert.True(t, summary.Partial)
	assert.True(t, summary.Failed())
}

func TestStore_SaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	started := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.SaveRun(sampleReport("run-1", started)))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, started, got.StartedAt)
	assert.Equal(t, started.Add(time.Minute), got.FinishedAt)
	assert.Equal(t, 1, got.FailedFeeds)
	assert.Equal(t, 1, got.Downloaded)
	assert.True(t, got.Partial)
	assert.False(t, got.DryRun)

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_SaveRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRun(&model.Report{})
	assert.Error(t, err)
}

func TestStore_SaveRun_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	started := time.Unix(1_700_000_000, 0)

	require.NoError(t, s.SaveRun(sampleReport("run-1", started)))
	assert.Error(t, s.SaveRun(sampleReport("run-1", started)))

	// The failed transaction must not leave extra download rows behind.
	records, err := s.GetDownloads("run-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_GetDownloadsAndFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRun(sampleReport("run-1", time.Unix(1_700_000_000, 0))))

	records, err := s.GetDownloads("run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://cdn.example.com/a.mp3", records[0].URL)
	assert.Equal(t, int64(100), records[0].Bytes)
	assert.Empty(t, records[0].Error)
	assert.Equal(t, "connection reset", records[1].Error)

	failures, err := s.GetFetchFailures("run-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "https://example.com/broken", failures[0].FeedURL)
	assert.Equal(t, "bad xml", failures[0].Error)
}

func TestStore_GetRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-10 * 24 * time.Hour)

	for i, id := range []string{"old", "middle", "new"} {
		r := sampleReport(id, base.Add(time.Duration(i)*4*24*time.Hour))
		if id == "middle" {
			r.Fetches = r.Fetches[:1]
			r.Downloads = r.Downloads[:1]
		}
		require.NoError(t, s.SaveRun(r))
	}

	all, err := s.GetRuns(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID, "newest first")
	assert.Equal(t, "old", all[2].ID)

	page, err := s.GetRuns(QueryOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "middle", page[0].ID)

	offsetOnly, err := s.GetRuns(QueryOptions{Offset: 2})
	require.NoError(t, err)
	require.Len(t, offsetOnly, 1)
	assert.Equal(t, "old", offsetOnly[0].ID)

	failed, err := s.GetRuns(QueryOptions{FailedOnly: true})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	recent, err := s.GetRuns(QueryOptions{Since: time.Now().Add(-7 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestStore_DeleteRunsBefore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRun(sampleReport("old", time.Unix(1_000_000_000, 0))))
	require.NoError(t, s.SaveRun(sampleReport("new", time.Unix(1_700_000_000, 0))))

	n, err := s.DeleteRunsBefore(time.Unix(1_500_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun("old")
	assert.ErrorIs(t, err, ErrRunNotFound)

	records, err := s.GetDownloads("old")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = s.GetRun("new")
	assert.NoError(t, err)
}
