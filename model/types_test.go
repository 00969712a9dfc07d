package model

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_Validation(t *testing.T) {
	tests := []struct {
		name    string
		sub     Subscription
		wantErr bool
	}{
		{
			name:    "valid subscription",
			sub:     Subscription{FeedURL: "https://example.com/rss", Title: "Example"},
			wantErr: false,
		},
		{
			name:    "valid without title",
			sub:     Subscription{FeedURL: "http://example.com/feed.xml"},
			wantErr: false,
		},
		{
			name:    "missing URL",
			sub:     Subscription{Title: "Example"},
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			sub:     Subscription{FeedURL: "ftp://example.com/rss"},
			wantErr: true,
		},
		{
			name:    "relative URL",
			sub:     Subscription{FeedURL: "/rss"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDownloadTask_Label(t *testing.T) {
	u, _ := url.Parse("https://example.com/ep/42/show.mp3")
	task := DownloadTask{
		URL:      u,
		FilePath: "/data/My Show/show.mp3",
		Index:    2,
		Total:    5,
	}

	assert.Equal(t, "show.mp3", task.FileName())
	assert.Equal(t, "(2/5) show.mp3", task.Label())
}

func TestDownloadTask_HumanSize(t *testing.T) {
	tests := []struct {
		size   int64
		expect string
	}{
		{0, "unknown size"},
		{512, "512B"},
		{42_500_000, "42M"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			task := DownloadTask{Size: tt.size}
			assert.Equal(t, tt.expect, task.HumanSize())
			assert.Equal(t, tt.size > 0, task.SizeKnown())
		})
	}
}

func TestReport_Failures(t *testing.T) {
	report := Report{
		Fetches: []FetchResult{
			{Subscription: Subscription{FeedURL: "https://a.example.com"}},
			{Subscription: Subscription{FeedURL: "https://b.example.com"}, Err: errors.New("boom")},
		},
		Downloads: []DownloadResult{
			{Task: &DownloadTask{FilePath: "/x/a.mp3"}, Bytes: 100},
			{Task: &DownloadTask{FilePath: "/x/b.mp3"}, Bytes: 50},
			{Task: &DownloadTask{FilePath: "/x/c.mp3"}, Bytes: 7, Err: errors.New("reset")},
		},
	}

	assert.Len(t, report.FailedFetches(), 1)
	assert.Len(t, report.FailedDownloads(), 1)
	assert.True(t, report.HasFailures())
	assert.Equal(t, int64(150), report.BytesWritten())

	clean := Report{Downloads: []DownloadResult{{Task: &DownloadTask{}, Bytes: 1}}}
	assert.False(t, clean.HasFailures())
}

func TestErrors_Unwrap(t *testing.T) {
	base := errors.New("connection refused")

	fetchErr := fmt.Errorf("wrapped: %w", &FetchError{FeedURL: "https://example.com/rss", Err: base})
	var fe *FetchError
	assert.True(t, errors.As(fetchErr, &fe))
	assert.ErrorIs(t, fetchErr, base)
	assert.Contains(t, fe.Error(), "https://example.com/rss")

	dlErr := &DownloadError{URL: "https://example.com/a.mp3", Path: "/tmp/a.mp3", Err: base}
	assert.ErrorIs(t, dlErr, base)
	assert.Contains(t, dlErr.Error(), "/tmp/a.mp3")
}
