package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/robertmeta/podcaster/model"
	"github.com/robertmeta/podcaster/progress"
	"github.com/robertmeta/podcaster/transfer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxJobs is the download concurrency used when none is configured.
const DefaultMaxJobs = 5

// Executor downloads planned tasks with bounded concurrency.
type Executor struct {
	client   *transfer.Client
	progress *progress.Registry
	maxJobs  int
	logger   *zap.Logger
}

// NewExecutor creates an Executor running at most maxJobs downloads at once.
func NewExecutor(client *transfer.Client, reg *progress.Registry, maxJobs int, logger *zap.Logger) *Executor {
	if maxJobs < 1 {
		maxJobs = DefaultMaxJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:   client,
		progress: reg,
		maxJobs:  maxJobs,
		logger:   logger,
	}
}

// Execute downloads every task and returns one result per task, in task
// order. A failed task never cancels its siblings. Once ctx is cancelled no
// new task starts; the remaining ones report the context error.
func (e *Executor) Execute(ctx context.Context, tasks []*model.DownloadTask) []model.DownloadResult {
	results := make([]model.DownloadResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(e.maxJobs)

	for i, task := range tasks {
		i, task := i, task
		results[i].Task = task
		if ctx.Err() != nil {
			results[i].Err = e.wrap(task, ctx.Err())
			continue
		}

		g.Go(func() error {
			n, err := e.download(ctx, task)
			results[i].Bytes = n
			if err != nil {
				results[i].Err = e.wrap(task, err)
				e.logger.Warn("Download failed",
					zap.String("url", task.URL.String()),
					zap.String("path", task.FilePath),
					zap.Error(err))
			} else {
				e.logger.Info("Download completed",
					zap.String("path", task.FilePath),
					zap.Int64("bytes", n))
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// download streams one task into a temporary file next to its target and
// renames it into place on success. On failure the temporary file is
// removed, so an interrupted transfer never passes the existence check of a
// later run.
func (e *Executor) download(ctx context.Context, task *model.DownloadTask) (written int64, err error) {
	dir := filepath.Dir(task.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	url := task.URL.String()
	size := task.Size
	if size <= 0 {
		size = e.client.ContentLength(ctx, url)
	}
	bar := e.progress.Acquire(size, task.Label())
	defer func() { bar.Finish(err) }()

	tmp, err := os.CreateTemp(dir, "."+task.FileName()+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	written, err = e.client.Download(ctx, url, func() (io.Writer, error) {
		bar.Reset()
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := tmp.Truncate(0); err != nil {
			return nil, err
		}
		return tmp, nil
	}, bar.Advance)
	if err != nil {
		return written, err
	}

	if err := tmp.Chmod(0644); err != nil {
		return written, fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), task.FilePath); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return written, fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true
	return written, nil
}

func (e *Executor) wrap(task *model.DownloadTask, err error) error {
	return &model.DownloadError{URL: task.URL.String(), Path: task.FilePath, Err: err}
}
