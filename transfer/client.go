// Package transfer performs the HTTP requests behind feed fetches and
// episode downloads.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const chunkSize = 32 * 1024

// ErrStalled is returned when a response body stops delivering data for
// longer than Options.Timeout. It is retried like other transport errors.
var ErrStalled = errors.New("transfer stalled")

// Options configures a Client.
type Options struct {
	// Timeout bounds connecting, the TLS handshake, waiting for response
	// headers and HEAD requests. During the body transfer it is an idle
	// limit: the clock restarts with every chunk, so large downloads are
	// not capped.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// RateLimit caps the combined transfer rate in bytes per second; 0 disables it.
	RateLimit int64
	UserAgent string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether a later attempt may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is an HTTP client with retries and an optional shared rate limit.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Timeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = opts.Timeout
		transport.ResponseHeaderTimeout = opts.Timeout
	}

	c := &Client{
		http:   &http.Client{Transport: transport},
		opts:   opts,
		logger: logger,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < chunkSize {
			burst = chunkSize
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// ContentLength returns the positive Content-Length reported by a HEAD
// request, or 0 when the request fails or the header is missing.
func (c *Client) ContentLength(ctx context.Context, url string) int64 {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return 0
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("HEAD request failed", zap.String("url", url), zap.Error(err))
		return 0
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// Download streams url into the writer returned by open, calling onChunk
// with the size of every chunk written. open is called once per attempt so
// a retry can start from a clean destination. It returns the bytes written
// by the final attempt.
func (c *Client) Download(ctx context.Context, url string, open func() (io.Writer, error), onChunk func(n int)) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("Retrying transfer",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", c.opts.MaxRetries),
				zap.Error(lastErr))

			select {
			case <-time.After(c.opts.RetryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		w, err := open()
		if err != nil {
			return 0, err
		}

		n, err := c.get(ctx, url, w, onChunk)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			return n, err
		}
	}
	return 0, fmt.Errorf("giving up after %d attempts: %w", c.opts.MaxRetries+1, lastErr)
}

func (c *Client) get(ctx context.Context, url string, w io.Writer, onChunk func(n int)) (int64, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.newRequest(attemptCtx, http.MethodGet, url)
	if err != nil {
		return 0, &permanentError{err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var stalled atomic.Bool
	var idle *time.Timer
	if c.opts.Timeout > 0 {
		idle = time.AfterFunc(c.opts.Timeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer idle.Stop()
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			// Rate limiter waits and slow writes are not idle time.
			if idle != nil {
				idle.Stop()
			}
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, &permanentError{err: fmt.Errorf("write: %w", err)}
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
			if idle != nil {
				idle.Reset(c.opts.Timeout)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if stalled.Load() && ctx.Err() == nil {
				return written, fmt.Errorf("%w: no data for %s after %d bytes", ErrStalled, c.opts.Timeout, written)
			}
			return written, rerr
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return req, nil
}

// permanentError marks failures a retry cannot fix, such as a malformed URL
// or a local write error.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	// Remaining errors come from the transport: resets, timeouts, DNS.
	return true
}
