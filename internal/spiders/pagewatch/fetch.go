package pagewatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// page is one fetched response.
type page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// fetcher performs single synchronous fetches through a colly collector.
type fetcher struct {
	base *colly.Collector
}

func newFetcher(userAgent string, timeout time.Duration) *fetcher {
	base := colly.NewCollector(colly.UserAgent(userAgent))
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(timeout)
	return &fetcher{base: base}
}

// Fetch retrieves rawURL. Non-2xx responses are returned as pages, not errors.
// Cancelling ctx aborts a request in flight.
func (f *fetcher) Fetch(ctx context.Context, rawURL string) (page, error) {
	if err := ctx.Err(); err != nil {
		return page{}, err
	}
	collector := f.base.Clone()
	collector.Context = ctx
	var (
		once   sync.Once
		result page
		ferr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		once.Do(func() {
			result = page{URL: rawURL, StatusCode: r.StatusCode, Body: append([]byte{}, r.Body...)}
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		once.Do(func() {
			if err == nil {
				err = errors.New("unknown colly error")
			}
			ferr = err
			if r != nil {
				result = page{URL: rawURL, StatusCode: r.StatusCode}
			}
		})
	})

	if err := collector.Visit(rawURL); err != nil && ferr == nil {
		return page{}, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if ferr != nil {
		return result, ferr
	}
	if result.URL == "" {
		return page{}, errors.New("colly fetch produced no result")
	}
	return result, nil
}
