package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"github.com/klauspost/compress/zstd"
	"github.com/lox/citypulse/internal/httputil"
	"github.com/lox/citypulse/internal/metrics"
)

// Fetcher reads source bytes from a local path, an http(s) URL or an ftp URL.
// Remote reads are retried with exponential backoff. Sources whose path ends
// in .zst are decompressed.
type Fetcher struct {
	client     *http.Client
	maxElapsed time.Duration
	ftpTimeout time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client:     httputil.NewClient(),
		maxElapsed: 30 * time.Second,
		ftpTimeout: 30 * time.Second,
	}
}

// WithMaxElapsed caps the total time spent retrying one remote fetch.
func (f *Fetcher) WithMaxElapsed(d time.Duration) *Fetcher {
	f.maxElapsed = d
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		// bare paths are used verbatim, including windows drive letters
		u = &url.URL{Scheme: "file", Path: uri}
	}

	start := time.Now()
	var body []byte
	switch u.Scheme {
	case "file":
		body, err = os.ReadFile(u.Path)
	case "http", "https":
		body, err = f.retry(ctx, func() ([]byte, error) { return f.fetchHTTP(ctx, u.String()) })
	case "ftp":
		body, err = f.retry(ctx, func() ([]byte, error) { return f.fetchFTP(ctx, u) })
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	metrics.SourceFetchLatency.WithLabelValues(u.Scheme).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceFetchesTotal.WithLabelValues(u.Scheme, "error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	metrics.SourceFetchesTotal.WithLabelValues(u.Scheme, "ok").Inc()

	if strings.HasSuffix(u.Path, ".zst") {
		body, err = decompress(body)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", uri, err)
		}
	}
	return body, nil
}

func (f *Fetcher) retry(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	var body []byte
	operation := func() error {
		b, err := op()
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f *Fetcher) fetchFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
