package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/hash/sha256"
)

func listResult(target crawler.Target, body string) crawler.FetchResult {
	return crawler.FetchResult{
		Target:    target,
		Body:      []byte(body),
		FetchedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func testPipeline(cfg Config) *Pipeline {
	if cfg.PageSize == 0 {
		cfg.PageSize = 5
	}
	return NewPipeline(NewRegistry(cfg, sha256.New()))
}

const listBody = `{
  "base_resp": {"ret": 0},
  "app_msg_cnt": 12,
  "app_msg_list": [
    {"title": "量子计算进展", "link": "https://mp.weixin.qq.com/s/a1", "digest": "d1", "update_time": 1717200000},
    {"title": "编辑部通知", "link": "https://mp.weixin.qq.com/s/a2", "digest": "d2", "update_time": 1717100000},
    {"title": "AI 芯片观察", "link": "https://mp.weixin.qq.com/s/a3", "digest": "d3", "update_time": 1717000000}
  ]
}`

func TestListExtractorEmitsArticleAndNextPageTargets(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{PageSize: 5, MaxPages: 10})
	target := BuildListTarget("环球科学", "MzA0MTc", 0, 5)

	records, targets, err := p.Extract(listResult(target, listBody))
	require.NoError(t, err)
	require.Empty(t, records)
	require.Len(t, targets, 4, "3 articles + next page")

	require.Equal(t, crawler.KindArticle, targets[0].Kind)
	require.Equal(t, "量子计算进展", targets[0].Title)
	require.Equal(t, "环球科学", targets[0].Account)
	require.Equal(t, target.URL, targets[0].DiscoveredFrom)

	next := targets[3]
	require.Equal(t, crawler.KindArticleList, next.Kind)
	require.Equal(t, 1, next.Page)
	require.Contains(t, next.URL, "begin=5")
}

func TestListExtractorStopsPaginationBeforeWindow(t *testing.T) {
	t.Parallel()

	// Window starts after the two oldest entries: they are skipped and,
	// because listings are newest-first, pagination ends.
	p := testPipeline(Config{
		PageSize:    5,
		MaxPages:    10,
		WindowStart: time.Unix(1_717_150_000, 0).UTC(),
	})
	target := BuildListTarget("环球科学", "MzA0MTc", 0, 5)

	_, targets, err := p.Extract(listResult(target, listBody))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, crawler.KindArticle, targets[0].Kind)
}

func TestListExtractorKeywordFilter(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{PageSize: 5, MaxPages: 1, Keywords: []string{"芯片"}})
	target := BuildListTarget("环球科学", "MzA0MTc", 0, 5)

	_, targets, err := p.Extract(listResult(target, listBody))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "AI 芯片观察", targets[0].Title)
}

func TestListExtractorRespectsMaxPages(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{PageSize: 5, MaxPages: 1})
	target := BuildListTarget("环球科学", "MzA0MTc", 0, 5)

	_, targets, err := p.Extract(listResult(target, listBody))
	require.NoError(t, err)
	for _, tgt := range targets {
		require.NotEqual(t, crawler.KindArticleList, tgt.Kind, "page cap reached")
	}
}

func TestListExtractorMalformedJSON(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	target := BuildListTarget("环球科学", "MzA0MTc", 0, 5)

	records, targets, err := p.Extract(listResult(target, "<html>not json</html>"))
	require.Error(t, err)
	var pe *crawler.ParseError
	require.True(t, errors.As(err, &pe))
	require.Empty(t, records)
	require.Empty(t, targets)
}

func TestAccountExtractorPrefersExactNickname(t *testing.T) {
	t.Parallel()

	body := `{
  "base_resp": {"ret": 0},
  "list": [
    {"fakeid": "FUZZY1", "nickname": "环球科学快讯"},
    {"fakeid": "EXACT2", "nickname": "环球科学"}
  ]
}`
	p := testPipeline(Config{PageSize: 5})
	target := BuildLookupTarget("环球科学")

	records, targets, err := p.Extract(listResult(target, body))
	require.NoError(t, err)
	require.Empty(t, records)
	require.Len(t, targets, 1)
	require.Equal(t, crawler.KindArticleList, targets[0].Kind)
	require.Contains(t, targets[0].URL, "fakeid=EXACT2")
}

func TestAccountExtractorNoMatch(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	target := BuildLookupTarget("不存在的号")

	_, _, err := p.Extract(listResult(target, `{"base_resp":{"ret":0},"list":[]}`))
	var pe *crawler.ParseError
	require.True(t, errors.As(err, &pe))
}

const articleHTML = `<!DOCTYPE html><html><body>
<h1 class="rich_media_title" id="activity-name">
  量子计算进展
</h1>
<div class="rich_media_content" id="js_content">
  <p>第一段。</p>
  <p>  </p>
  <p>第二段。</p>
</div>
</body></html>`

func articleTarget() crawler.Target {
	return crawler.Target{
		URL:         "https://mp.weixin.qq.com/s/a1",
		Kind:        crawler.KindArticle,
		Account:     "环球科学",
		Title:       "量子计算进展",
		PublishedAt: time.Unix(1_717_200_000, 0).UTC(),
	}
}

func TestArticleExtractorProducesRecord(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	records, targets, err := p.Extract(listResult(articleTarget(), articleHTML))
	require.NoError(t, err)
	require.Empty(t, targets)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, "量子计算进展", rec.Title)
	require.Equal(t, "第一段。\n第二段。", rec.Content)
	require.Equal(t, "环球科学", rec.Account)
	require.NotEmpty(t, rec.Fingerprint)
	require.Equal(t, time.Unix(1_717_200_000, 0).UTC(), rec.PublishedAt)
}

func TestArticleExtractorIsDeterministic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{}, sha256.New())
	ex, err := reg.Extractor(crawler.KindArticle)
	require.NoError(t, err)

	result := listResult(articleTarget(), articleHTML)
	first, firstTargets, err := ex.Extract(result)
	require.NoError(t, err)
	second, secondTargets, err := ex.Extract(result)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, firstTargets, secondTargets)
}

func TestPipelineDedupesWithinRun(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	result := listResult(articleTarget(), articleHTML)

	records, _, err := p.Extract(result)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Same article extracted again in the same run: dropped.
	records, _, err = p.Extract(result)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestPipelineSeedFingerprintsSkipsKnownRecords(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	result := listResult(articleTarget(), articleHTML)

	records, _, err := p.Extract(result)
	require.NoError(t, err)
	require.Len(t, records, 1)

	resumed := testPipeline(Config{})
	resumed.SeedFingerprints([]string{records[0].Fingerprint})
	records, _, err = resumed.Extract(result)
	require.NoError(t, err)
	require.Empty(t, records, "checkpointed fingerprints survive resume")
}

func TestArticleExtractorEmptyBody(t *testing.T) {
	t.Parallel()

	p := testPipeline(Config{})
	_, _, err := p.Extract(listResult(articleTarget(), ""))
	var pe *crawler.ParseError
	require.True(t, errors.As(err, &pe))
}
