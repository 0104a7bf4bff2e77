// Package fetcher downloads remote catalogue exports with retry and rate
// limiting.
package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures a Fetcher.
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	Limiter     *rate.Limiter
}

// Fetcher implements HTTP downloads with retry and rate limiting.
type Fetcher struct {
	client *http.Client
	opts   Options
}

// New creates a Fetcher with the given options.
func New(opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "spons-match/1.0"
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(2, 2)
	}
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// IsRemote reports whether src is an http(s) URL rather than a local path.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// DownloadToTemp fetches rawURL into a temporary file whose extension
// matches the URL path, so callers can pick a parser by extension. The
// caller removes the returned file.
func (f *Fetcher) DownloadToTemp(ctx context.Context, rawURL string) (string, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, eris.Wrap(err, "fetcher: parse url")
	}

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	file, err := os.CreateTemp("", "spons-*"+strings.ToLower(path.Ext(u.Path)))
	if err != nil {
		return "", 0, eris.Wrap(err, "fetcher: create temp file")
	}
	n, err := io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return "", n, eris.Wrap(err, "fetcher: write temp file")
	}

	zap.L().Debug("fetcher: downloaded", zap.String("url", rawURL), zap.Int64("bytes", n))
	return file.Name(), n, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if err := f.opts.Limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			zap.L().Warn("fetcher: request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("fetcher: server error, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
		}
		return resp, nil
	}
	return nil, eris.Wrap(lastErr, "fetcher: all retries exhausted")
}

func (f *Fetcher) backoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(f.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
