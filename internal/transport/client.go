package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Platform response codes observed on the appmsg/search_biz endpoints.
const (
	retOK          = 0
	retInvalidAuth = 200003
	retFreqControl = 200013
)

// pageGetter abstracts the raw HTTP engine so tests can stub it.
type pageGetter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (page, error)
}

// Client implements crawler.Fetcher. It signs API requests with the current
// session credentials, refreshes them once on auth expiry, and classifies
// every failure before it reaches the scheduler.
type Client struct {
	getter pageGetter
	creds  crawler.CredentialSource
	clock  crawler.Clock
	logger *zap.Logger
}

// NewClient constructs a session Client around a raw fetcher.
func NewClient(getter pageGetter, creds crawler.CredentialSource, clock crawler.Clock, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		getter: getter,
		creds:  creds,
		clock:  clock,
		logger: logger,
	}
}

// Fetch performs one fetch attempt for the target. The returned result
// always carries the attempt metadata; on failure result.Err holds the
// classified cause and the error return is the same value.
func (c *Client) Fetch(ctx context.Context, target crawler.Target) (crawler.FetchResult, error) {
	result, err := c.fetchOnce(ctx, target)
	if err == nil || result.Err == nil || result.Err.Kind != crawler.KindAuthExpired {
		return result, err
	}

	// Auth expiry: refresh the session and retry the original fetch once.
	// The retry is part of the same reported attempt.
	c.logger.Info("session expired, refreshing credentials", zap.String("url", target.URL))
	if _, rerr := c.creds.Refresh(ctx); rerr != nil {
		result.Err.Err = fmt.Errorf("refresh credentials: %w", rerr)
		return result, result.Err
	}
	return c.fetchOnce(ctx, target)
}

func (c *Client) fetchOnce(ctx context.Context, target crawler.Target) (crawler.FetchResult, error) {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return c.failed(target, crawler.NewFetchError(crawler.KindAuthExpired, 0, err))
	}

	requestURL, err := signURL(target, creds)
	if err != nil {
		return c.failed(target, crawler.NewFetchError(crawler.KindClientError, 0, err))
	}

	header := http.Header{}
	if creds.Cookie != "" {
		header.Set("Cookie", creds.Cookie)
	}
	header.Set("Referer", "https://mp.weixin.qq.com/")

	start := c.clock.Now()
	pg, err := c.getter.Get(ctx, requestURL, header)
	elapsed := c.clock.Now().Sub(start)

	result := crawler.FetchResult{
		Target:     target,
		StatusCode: pg.StatusCode,
		Headers:    pg.Headers,
		Body:       pg.Body,
		FetchedAt:  start,
		Elapsed:    elapsed,
	}

	if fe := classify(pg, err, target.Kind); fe != nil {
		result.Err = fe
		return result, fe
	}
	return result, nil
}

func (c *Client) failed(target crawler.Target, fe *crawler.FetchError) (crawler.FetchResult, error) {
	return crawler.FetchResult{
		Target:    target,
		FetchedAt: c.clock.Now(),
		Err:       fe,
	}, fe
}

// signURL injects session parameters into API targets. Article pages are
// fetched as-is; the canonical target URL never embeds the token, because
// tokens rotate across credential refreshes.
func signURL(target crawler.Target, creds crawler.Credentials) (string, error) {
	switch target.Kind {
	case crawler.KindArticleList, crawler.KindAccountLookup:
		u, err := url.Parse(target.URL)
		if err != nil {
			return "", fmt.Errorf("parse target url: %w", err)
		}
		q := u.Query()
		q.Set("token", creds.Token)
		q.Set("lang", "zh_CN")
		q.Set("f", "json")
		q.Set("ajax", "1")
		u.RawQuery = q.Encode()
		return u.String(), nil
	default:
		return target.URL, nil
	}
}

// classify maps the raw exchange into the crawler error taxonomy.
func classify(pg page, err error, kind crawler.TargetKind) *crawler.FetchError {
	if err != nil && pg.StatusCode == 0 {
		// Timeouts, resets, DNS failures: all retryable under backoff.
		return crawler.NewFetchError(crawler.KindTransient, 0, err)
	}

	switch {
	case pg.StatusCode == http.StatusTooManyRequests:
		fe := crawler.NewFetchError(crawler.KindRateLimited, pg.StatusCode, err)
		fe.RetryAfter = parseRetryAfter(pg.Headers.Get("Retry-After"))
		return fe
	case pg.StatusCode == http.StatusUnauthorized, pg.StatusCode == http.StatusForbidden:
		return crawler.NewFetchError(crawler.KindAuthExpired, pg.StatusCode, err)
	case pg.StatusCode >= 500:
		return crawler.NewFetchError(crawler.KindServerError, pg.StatusCode, err)
	case pg.StatusCode >= 400:
		return crawler.NewFetchError(crawler.KindClientError, pg.StatusCode, err)
	}

	// API endpoints report auth expiry and throttling inside a 200 body.
	if kind == crawler.KindArticleList || kind == crawler.KindAccountLookup {
		return classifyPlatform(pg)
	}
	return nil
}

type baseResp struct {
	BaseResp struct {
		Ret    int    `json:"ret"`
		ErrMsg string `json:"err_msg"`
	} `json:"base_resp"`
}

func classifyPlatform(pg page) *crawler.FetchError {
	var parsed baseResp
	if err := json.Unmarshal(pg.Body, &parsed); err != nil {
		// Not JSON at all; leave it for the extractor to reject.
		return nil
	}
	switch parsed.BaseResp.Ret {
	case retOK:
		return nil
	case retFreqControl:
		return crawler.NewFetchError(crawler.KindRateLimited, pg.StatusCode,
			fmt.Errorf("platform freq control (ret=%d)", parsed.BaseResp.Ret))
	case retInvalidAuth:
		return crawler.NewFetchError(crawler.KindAuthExpired, pg.StatusCode,
			fmt.Errorf("platform session invalid (ret=%d, %s)", parsed.BaseResp.Ret, parsed.BaseResp.ErrMsg))
	default:
		return crawler.NewFetchError(crawler.KindClientError, pg.StatusCode,
			fmt.Errorf("platform error (ret=%d, %s)", parsed.BaseResp.Ret, parsed.BaseResp.ErrMsg))
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
