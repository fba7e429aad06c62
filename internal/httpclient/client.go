// Package httpclient is the HTTP client used to probe remote files and
// stream byte ranges during a download. It mirrors the reference
// implementation's session-reuse model: one process-wide client with a
// pooled transport, sized for the product of worker and task concurrency.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kestrel/internal/model"
)

const (
	defaultUserAgent = "Kestrel/1.0 (+https://example.invalid/kestrel)"
	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 8 * 1024
)

// FileInfo is the result of probing a URL before starting a download.
type FileInfo struct {
	FinalURL      string
	FileSize      int64
	SupportsRange bool
	ContentType   string
	FilenameHint  string
	Headers       map[string]string
	StatusCode    int
}

// Client wraps an *http.Client tuned for many concurrent range downloads,
// plus an optional shared bandwidth limiter.
type Client struct {
	http      *http.Client
	userAgent string
	chunkSize int
	limiter   *rate.Limiter
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithChunkSize overrides the default 8 KiB read chunk size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithBandwidthLimit installs a shared token-bucket limiter. A limit of
// zero disables throttling (the default).
func WithBandwidthLimit(bytesPerSecond int) Option {
	return func(c *Client) {
		if bytesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// New builds a Client whose connection pool is sized to comfortably cover
// maxWorkersPerTask * maxConcurrentTasks simultaneous streams.
func New(maxWorkersPerTask, maxConcurrentTasks int, opts ...Option) *Client {
	poolSize := maxWorkersPerTask * maxConcurrentTasks
	if poolSize < 8 {
		poolSize = 8
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	c := &Client{
		http:      &http.Client{Transport: transport, Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CloseIdleConnections reaps pooled idle connections, intended for
// periodic maintenance or shutdown.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, model.NewError(model.KindInvalidURL, "malformed URL", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// Probe issues a HEAD request, following redirects, and extracts the
// metadata needed to plan a download.
func (c *Client) Probe(ctx context.Context, rawURL string) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindNetworkError, "probe request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, model.NewError(model.KindServerError, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	info := &FileInfo{
		FinalURL:      resp.Request.URL.String(),
		FileSize:      resp.ContentLength,
		SupportsRange: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ContentType:   resp.Header.Get("Content-Type"),
		Headers:       headers,
		StatusCode:    resp.StatusCode,
	}
	if info.FileSize < 0 {
		info.FileSize = 0
	}
	info.FilenameHint = filenameFromHeaders(resp.Header, info.FinalURL)
	return info, nil
}

// filenameFromHeaders extracts a filename from Content-Disposition if
// present, otherwise falls back to the last path segment of the URL.
func filenameFromHeaders(h http.Header, rawURL string) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return ""
}

// TestReachable reports whether a HEAD request succeeds with a non-error
// status code.
func (c *Client) TestReachable(ctx context.Context, rawURL string) bool {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// OnBytes is invoked once per received chunk with the number of new bytes.
type OnBytes func(delta int)

// FetchRange streams bytes [start, end] (inclusive) into w, requiring a
// 206 response. A 200 is accepted only when the range covers the entire
// resource (total is the full resource size, 0 if unknown).
func (c *Client) FetchRange(ctx context.Context, rawURL string, start, end, total int64, w io.Writer, onBytes OnBytes) error {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return model.NewError(model.KindNetworkError, "range request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		wholeResource := total > 0 && start == 0 && end == total-1
		if !wholeResource {
			return model.NewError(model.KindRangeUnsupported, "server ignored range request", nil)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return model.ErrRangeSatisfied
	default:
		if resp.StatusCode >= 500 {
			return model.NewError(model.KindServerError, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
		}
		return model.NewError(model.KindNetworkError, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	return c.stream(ctx, resp.Body, w, onBytes)
}

// FetchFull streams the entire resource, issuing no Range header.
func (c *Client) FetchFull(ctx context.Context, rawURL string, w io.Writer, onBytes OnBytes) error {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.NewError(model.KindNetworkError, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return model.NewError(model.KindServerError, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}
	return c.stream(ctx, resp.Body, w, onBytes)
}

func (c *Client) stream(ctx context.Context, body io.Reader, w io.Writer, onBytes OnBytes) error {
	buf := make([]byte, c.chunkSize)
	for {
		select {
		case <-ctx.Done():
			return model.ErrCancelled
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, n); err != nil {
					return model.ErrCancelled
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return model.NewError(model.KindDiskError, "write chunk", err)
			}
			if onBytes != nil {
				onBytes(n)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return model.NewError(model.KindNetworkError, "stream read failed", readErr)
		}
	}
}
