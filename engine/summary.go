package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/robertmeta/podcaster/model"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// TotalSize renders the plan's aggregate size. A partial total is a lower
// bound and is prefixed with "at least".
func TotalSize(p *model.Plan) string {
	size := model.HumanSizeString(p.TotalSize)
	if p.Partial {
		return "at least " + size
	}
	return size
}

// WriteSummary prints a human-readable account of a run: failed feeds, the
// plan's size and every download's outcome.
func WriteSummary(w io.Writer, r *model.Report) error {
	var sb strings.Builder

	failedFetches := r.FailedFetches()
	fmt.Fprintf(&sb, "%s %d podcasts, %d failed\n",
		headingStyle.Render("Feeds:"), len(r.Fetches), len(failedFetches))
	for _, f := range failedFetches {
		fmt.Fprintf(&sb, "  %s %s: %v\n", failStyle.Render("✗"), f.Subscription.FeedURL, unwrapFetch(f.Err))
	}

	plan := r.Plan
	if plan == nil {
		plan = &model.Plan{}
	}
	fmt.Fprintf(&sb, "%s %d to download, total size %s",
		headingStyle.Render("Plan:"), len(plan.Tasks), TotalSize(plan))
	if len(plan.Skipped) > 0 {
		fmt.Fprintf(&sb, " (%d skipped)", len(plan.Skipped))
	}
	sb.WriteString("\n")

	if r.DryRun {
		for _, t := range plan.Tasks {
			fmt.Fprintf(&sb, "  %s %s %s\n", t.Label(), dimStyle.Render(t.FilePath), t.HumanSize())
		}
		_, err := io.WriteString(w, sb.String())
		return err
	}

	failedDownloads := r.FailedDownloads()
	if len(r.Downloads) > 0 {
		fmt.Fprintf(&sb, "%s %d of %d completed, %s written\n",
			headingStyle.Render("Downloads:"),
			len(r.Downloads)-len(failedDownloads), len(r.Downloads),
			model.HumanSizeString(r.BytesWritten()))
	}
	for _, d := range r.Downloads {
		if d.Failed() {
			fmt.Fprintf(&sb, "  %s %s: %v\n", failStyle.Render("✗"), d.Task.Label(), unwrapDownload(d.Err))
			continue
		}
		fmt.Fprintf(&sb, "  %s %s %s\n", okStyle.Render("✓"), d.Task.Label(), model.HumanSizeString(d.Bytes))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// The summary line already names the feed or file, so the wrapper's prefix
// is dropped.
func unwrapFetch(err error) error {
	if fe, ok := err.(*model.FetchError); ok {
		return fe.Err
	}
	return err
}

func unwrapDownload(err error) error {
	if de, ok := err.(*model.DownloadError); ok {
		return de.Err
	}
	return err
}
