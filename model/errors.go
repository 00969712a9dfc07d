package model

import (
	"errors"
	"fmt"
)

// ErrDownloadDirMissing is returned when the configured download directory
// does not exist. It aborts the run before any network activity.
var ErrDownloadDirMissing = errors.New("download directory does not exist")

// FetchError is a transport or parse failure for one feed.
type FetchError struct {
	FeedURL string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.FeedURL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DownloadError is a transport or filesystem failure for one file.
type DownloadError struct {
	URL  string
	Path string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s to %s: %v", e.URL, e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
