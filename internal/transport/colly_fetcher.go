package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// page is the raw result of one HTTP exchange, before classification.
type page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// CollyConfig tunes the underlying collector.
type CollyConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
	Concurrency    int
}

// CollyFetcher performs raw fetches through a Colly collector. Each fetch
// clones the base collector so callbacks never leak between requests.
type CollyFetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured Colly-based fetcher.
func NewCollyFetcher(cfg CollyConfig, logger *zap.Logger) (*CollyFetcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &CollyFetcher{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Get retrieves rawURL with the provided headers applied to the request.
func (f *CollyFetcher) Get(ctx context.Context, rawURL string, header http.Header) (page, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan rawResult, 1)
	var once sync.Once
	send := func(res rawResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range header {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		send(rawResult{page: pageFromResponse(rawURL, r)})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		// Non-2xx responses arrive here with the body intact; keep the
		// payload so the caller can classify the status.
		if r != nil && r.StatusCode != 0 {
			send(rawResult{page: pageFromResponse(rawURL, r), err: err})
			return
		}
		send(rawResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return page{}, err
		}
		return res.page, res.err
	default:
		return page{}, errors.New("colly fetch produced no result")
	}
}

func pageFromResponse(rawURL string, r *colly.Response) page {
	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			cp := make([]string, len(v))
			copy(cp, v)
			headers[k] = cp
		}
	}
	return page{
		URL:        rawURL,
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte{}, r.Body...),
	}
}

type rawResult struct {
	page page
	err  error
}
