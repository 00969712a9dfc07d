package config

import (
	"testing"
	"time"

	"github.com/robertmeta/podcaster/download"
	"github.com/robertmeta/podcaster/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "0d", want: 0},
		{in: "1d", want: day},
		{in: "2w", want: 14 * day},
		{in: "3m", want: 90 * day},
		{in: "1y", want: 365 * day},
		{in: " 10d ", want: 10 * day},
		{in: "36h", want: 36 * time.Hour},
		{in: "90m30s", want: 90*time.Minute + 30*time.Second},
		{in: "", wantErr: true},
		{in: "d", wantErr: true},
		{in: "-7d", wantErr: true},
		{in: "+7d", wantErr: true},
		{in: "7", wantErr: true},
		{in: "7x", wantErr: true},
		{in: "-1h", wantErr: true},
		{in: "1.5w", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAge(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCutoff(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	cutoff, err := Cutoff("", now)
	require.NoError(t, err)
	assert.True(t, cutoff.IsZero(), "no age, no cut-off")

	cutoff, err = Cutoff("1w", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 23, 12, 0, 0, 0, time.UTC), cutoff)

	_, err = Cutoff("soon", now)
	assert.Error(t, err)
}

func TestConfig_ValidateRejectsBadSince(t *testing.T) {
	cfg := Default()
	cfg.DownloadDir = "/podcasts"
	cfg.Since = "last week"
	assert.ErrorContains(t, cfg.Validate(), "since")

	cfg.Since = "48h"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_WatermarkExcludesOlderEpisodes(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-3 * day)
	stale := now.Add(-45 * day)

	cfg := Default()
	cfg.Since = "1m"

	planner := download.NewPlanner(t.TempDir(), download.Policy{Since: cfg.Watermark(now)}, nil)
	plan := planner.Plan([]model.FetchResult{{
		Subscription: model.Subscription{FeedURL: "https://example.com/rss"},
		Channel: &model.Channel{Title: "Show", Episodes: []model.Episode{
			{GUID: "fresh", EnclosureURL: "https://example.com/fresh.mp3", Published: &fresh},
			{GUID: "stale", EnclosureURL: "https://example.com/stale.mp3", Published: &stale},
		}},
	}})

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "fresh", plan.Tasks[0].GUID)
}
