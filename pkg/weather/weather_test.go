package weather

import (
	"context"
	"errors"
	"testing"

	"github.com/richardartoul/scriptdesk/pkg/fetcher"
	"github.com/richardartoul/scriptdesk/pkg/loader"
)

type staticFetcher struct {
	body string
	err  error
}

func (f staticFetcher) Fetch(ctx context.Context, url string) (*fetcher.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fetcher.Response{URL: url, Status: 200, Body: []byte(f.body)}, nil
}

func newClient(f staticFetcher) *Client {
	return New(loader.New(f, loader.Options{MaxRetries: -1}), "", "")
}

func TestCurrent(t *testing.T) {
	c := newClient(staticFetcher{body: `{"current_weather":{"temperature":24.6,"windspeed":8.1}}`})
	r, err := c.Current(context.Background())
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if r.Celsius != 24.6 {
		t.Errorf("expected 24.6, got %v", r.Celsius)
	}
	if got := r.String(); got != "25°C - Rio de Janeiro" {
		t.Errorf("unexpected reading %q", got)
	}
}

func TestCurrentUnavailable(t *testing.T) {
	for _, body := range []string{
		`{"offline":true,"current_weather":null}`,
		`{"current_weather":{}}`,
		`{"current_weather":{"temperature":"hot"}}`,
	} {
		c := newClient(staticFetcher{body: body})
		if _, err := c.Current(context.Background()); !errors.Is(err, ErrUnavailable) {
			t.Errorf("body %s: expected ErrUnavailable, got %v", body, err)
		}
	}
}

func TestCurrentNetworkError(t *testing.T) {
	c := newClient(staticFetcher{err: &fetcher.NetworkError{URL: DefaultURL, Status: 502}})
	_, err := c.Current(context.Background())
	var netErr *fetcher.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected a NetworkError in the chain, got %v", err)
	}
	if netErr.Status != 502 {
		t.Errorf("expected status 502, got %d", netErr.Status)
	}
}
