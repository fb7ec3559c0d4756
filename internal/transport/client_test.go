package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type stubGetter struct {
	pages []page
	errs  []error
	calls []struct {
		url    string
		header http.Header
	}
}

func (g *stubGetter) Get(_ context.Context, rawURL string, header http.Header) (page, error) {
	g.calls = append(g.calls, struct {
		url    string
		header http.Header
	}{rawURL, header.Clone()})
	i := len(g.calls) - 1
	if i >= len(g.pages) {
		i = len(g.pages) - 1
	}
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	return g.pages[i], err
}

type refreshSource struct {
	current  crawler.Credentials
	refresh  crawler.Credentials
	refreshN int
}

func (s *refreshSource) Credentials(context.Context) (crawler.Credentials, error) {
	return s.current, nil
}

func (s *refreshSource) Refresh(context.Context) (crawler.Credentials, error) {
	s.refreshN++
	s.current = s.refresh
	return s.current, nil
}

func listTarget() crawler.Target {
	return crawler.Target{
		URL:  "https://mp.weixin.qq.com/cgi-bin/appmsg?action=list_ex&begin=0&count=5&fakeid=MzA0",
		Kind: crawler.KindArticleList,
	}
}

func TestFetchSignsAPIRequests(t *testing.T) {
	t.Parallel()

	getter := &stubGetter{pages: []page{{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"base_resp":{"ret":0},"app_msg_list":[]}`),
	}}}
	src := &refreshSource{current: crawler.Credentials{Token: "tok123", Cookie: "sid=abc"}}
	c := NewClient(getter, src, stubClock{now: time.Unix(100, 0)}, nil)

	result, err := c.Fetch(context.Background(), listTarget())
	require.NoError(t, err)
	require.True(t, result.OK())

	require.Len(t, getter.calls, 1)
	u, perr := url.Parse(getter.calls[0].url)
	require.NoError(t, perr)
	q := u.Query()
	require.Equal(t, "tok123", q.Get("token"))
	require.Equal(t, "json", q.Get("f"))
	require.Equal(t, "sid=abc", getter.calls[0].header.Get("Cookie"))
}

func TestFetchLeavesArticleURLsUnsigned(t *testing.T) {
	t.Parallel()

	getter := &stubGetter{pages: []page{{
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
	}}}
	src := &refreshSource{current: crawler.Credentials{Token: "tok", Cookie: "c"}}
	c := NewClient(getter, src, stubClock{now: time.Unix(100, 0)}, nil)

	target := crawler.Target{URL: "https://mp.weixin.qq.com/s/abcdef", Kind: crawler.KindArticle}
	_, err := c.Fetch(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "https://mp.weixin.qq.com/s/abcdef", getter.calls[0].url)
}

func TestFetchClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		page   page
		err    error
		kind   crawler.ErrorKind
		hinted time.Duration
	}{
		{
			name: "429 with hint",
			page: page{StatusCode: 429, Headers: http.Header{"Retry-After": []string{"5"}}},
			err:  errors.New("too many requests"),
			kind: crawler.KindRateLimited, hinted: 5 * time.Second,
		},
		{
			name: "500",
			page: page{StatusCode: 500},
			err:  errors.New("server error"),
			kind: crawler.KindServerError,
		},
		{
			name: "404",
			page: page{StatusCode: 404},
			err:  errors.New("not found"),
			kind: crawler.KindClientError,
		},
		{
			name: "network failure",
			page: page{},
			err:  errors.New("dial tcp: i/o timeout"),
			kind: crawler.KindTransient,
		},
		{
			name: "platform freq control in 200 body",
			page: page{StatusCode: 200, Body: []byte(`{"base_resp":{"ret":200013,"err_msg":"freq control"}}`)},
			kind: crawler.KindRateLimited,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			getter := &stubGetter{pages: []page{tc.page}, errs: []error{tc.err}}
			src := &refreshSource{current: crawler.Credentials{Token: "t", Cookie: "c"}}
			c := NewClient(getter, src, stubClock{now: time.Unix(100, 0)}, nil)

			result, err := c.Fetch(context.Background(), listTarget())
			require.Error(t, err)
			require.NotNil(t, result.Err)
			require.Equal(t, tc.kind, result.Err.Kind)
			if tc.hinted > 0 {
				require.Equal(t, tc.hinted, result.Err.RetryAfter)
			}
		})
	}
}

func TestFetchRefreshesOnceOnAuthExpiry(t *testing.T) {
	t.Parallel()

	expired := page{StatusCode: 200, Body: []byte(`{"base_resp":{"ret":200003,"err_msg":"invalid session"}}`)}
	fresh := page{StatusCode: 200, Body: []byte(`{"base_resp":{"ret":0},"app_msg_list":[]}`)}

	getter := &stubGetter{pages: []page{expired, fresh}}
	src := &refreshSource{
		current: crawler.Credentials{Token: "stale", Cookie: "c"},
		refresh: crawler.Credentials{Token: "fresh", Cookie: "c2"},
	}
	c := NewClient(getter, src, stubClock{now: time.Unix(100, 0)}, nil)

	result, err := c.Fetch(context.Background(), listTarget())
	require.NoError(t, err)
	require.True(t, result.OK())
	require.Equal(t, 1, src.refreshN)
	require.Len(t, getter.calls, 2)

	// The retried request carries the refreshed token.
	u, _ := url.Parse(getter.calls[1].url)
	require.Equal(t, "fresh", u.Query().Get("token"))
}

func TestFetchAuthExpirySurfacesAfterFailedRetry(t *testing.T) {
	t.Parallel()

	expired := page{StatusCode: 200, Body: []byte(`{"base_resp":{"ret":200003}}`)}
	getter := &stubGetter{pages: []page{expired, expired}}
	src := &refreshSource{
		current: crawler.Credentials{Token: "stale", Cookie: "c"},
		refresh: crawler.Credentials{Token: "still-stale", Cookie: "c"},
	}
	c := NewClient(getter, src, stubClock{now: time.Unix(100, 0)}, nil)

	result, err := c.Fetch(context.Background(), listTarget())
	require.Error(t, err)
	require.Equal(t, crawler.KindAuthExpired, result.Err.Kind)
	require.Equal(t, 1, src.refreshN, "refresh happens exactly once per attempt")
	require.Len(t, getter.calls, 2)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	require.Equal(t, 7*time.Second, parseRetryAfter("7"))
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
