// Package fetcher performs single HTTP GET requests with a timeout and
// optional cache busting. It never caches or retries; see package loader.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/richardartoul/scriptdesk/pkg/metrics"
)

// DefaultTimeout is the per-request timeout used when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Response is a fully read HTTP response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Options configure a Fetcher.
type Options struct {
	// Timeout bounds each request, including reading the body.
	Timeout time.Duration
	// Version is sent as the "v" query parameter on cache-busted requests.
	Version string
	// Bust selects the URLs that get cache-busting parameters and headers.
	// Nil disables cache busting.
	Bust BustPredicate
	// Client is the HTTP client. Defaults to a pooled cleanhttp client.
	Client *http.Client
	// Latency, if set, records the duration of every request as "fetch".
	Latency *metrics.LatencyTracker
}

// Fetcher performs single network requests.
type Fetcher struct {
	opts     Options
	lastBust atomic.Int64
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Bust == nil {
		opts.Bust = NeverBust
	}
	if opts.Client == nil {
		opts.Client = cleanhttp.DefaultPooledClient()
	}
	return &Fetcher{opts: opts}
}

// Fetch GETs rawURL. Non-2xx responses fail with *NetworkError and an expired
// timeout fails with *TimeoutError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	var resp *Response
	err := f.opts.Latency.Time("fetch", func() error {
		var err error
		resp, err = f.fetch(ctx, rawURL)
		return err
	})
	return resp, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: fmt.Errorf("invalid url: %w", err)}
	}

	bust := f.opts.Bust(u)
	if bust {
		f.addBustParams(u)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if bust {
		req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		req.Header.Set("Pragma", "no-cache")
		req.Header.Set("Expires", "0")
	}

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.classify(ctx, rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: rawURL, Status: resp.StatusCode}
	}

	return &Response{
		URL:    rawURL,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (f *Fetcher) classify(ctx context.Context, rawURL string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: rawURL, Timeout: f.opts.Timeout}
	}
	return &NetworkError{URL: rawURL, Err: err}
}

// addBustParams appends the version marker and a request-unique value. The
// value is the current time in nanoseconds, bumped when needed so that two
// requests never share it.
func (f *Fetcher) addBustParams(u *url.URL) {
	stamp := time.Now().UnixNano()
	for {
		last := f.lastBust.Load()
		if stamp <= last {
			stamp = last + 1
		}
		if f.lastBust.CompareAndSwap(last, stamp) {
			break
		}
	}

	q := u.Query()
	if f.opts.Version != "" {
		q.Set(VersionParam, f.opts.Version)
	}
	q.Set(BustParam, strconv.FormatInt(stamp, 10))
	u.RawQuery = q.Encode()
}
