package store

import (
	"strings"
	"time"
)

// QueryOptions selects archived runs.
type QueryOptions struct {
	Limit      int
	Offset     int
	FailedOnly bool
	// Since keeps runs started at or after it. The zero time keeps all.
	Since time.Time
}

// RunQuery returns options for the status listing. since is usually a
// cut-off computed from a user-supplied age.
func RunQuery(limit, offset int, failedOnly bool, since time.Time) QueryOptions {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return QueryOptions{
		Limit:      limit,
		Offset:     offset,
		FailedOnly: failedOnly,
		Since:      since,
	}
}

// runsQuery builds the SELECT for GetRuns, newest first.
func runsQuery(opts QueryOptions) (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString("SELECT " + runColumns + " FROM runs")

	var where []string
	if opts.FailedOnly {
		where = append(where, "(failed_feeds > 0 OR failed_downloads > 0)")
	}
	if !opts.Since.IsZero() {
		where = append(where, "started >= ?")
		args = append(args, opts.Since.Unix())
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	sb.WriteString(" ORDER BY started DESC, rowid DESC")

	// SQLite needs a LIMIT before OFFSET; -1 means no limit.
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, opts.Offset)
	}

	return sb.String(), args
}
