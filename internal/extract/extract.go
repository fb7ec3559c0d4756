// Package extract turns fetched documents into normalized records and newly
// discovered targets. Extractors are pure functions of their input; the
// Pipeline adds within-run deduplication on top.
package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

const (
	listEndpoint   = "https://mp.weixin.qq.com/cgi-bin/appmsg"
	searchEndpoint = "https://mp.weixin.qq.com/cgi-bin/searchbiz"
)

// Priority classes: resolve accounts first, then walk listings, then pull
// article bodies. FIFO applies within each class.
const (
	PriorityLookup  = 0
	PriorityListing = 1
	PriorityArticle = 2
)

// BuildLookupTarget returns the search_biz target resolving an account name
// to its fakeid.
func BuildLookupTarget(account string) crawler.Target {
	q := url.Values{}
	q.Set("action", "search_biz")
	q.Set("begin", "0")
	q.Set("count", "5")
	q.Set("query", account)
	return crawler.Target{
		URL:      searchEndpoint + "?" + q.Encode(),
		Kind:     crawler.KindAccountLookup,
		Account:  account,
		Priority: PriorityLookup,
	}
}

// BuildListTarget returns one page of an account's article listing. The URL
// omits the session token; the transport signs it at fetch time.
func BuildListTarget(account, fakeid string, pageIndex, pageSize int) crawler.Target {
	q := url.Values{}
	q.Set("action", "list_ex")
	q.Set("begin", strconv.Itoa(pageIndex*pageSize))
	q.Set("count", strconv.Itoa(pageSize))
	q.Set("fakeid", fakeid)
	q.Set("type", "9")
	q.Set("query", "")
	return crawler.Target{
		URL:      listEndpoint + "?" + q.Encode(),
		Kind:     crawler.KindArticleList,
		Account:  account,
		FakeID:   fakeid,
		Page:     pageIndex,
		Priority: PriorityListing,
	}
}

// Config declares the extraction schema shared by all extractors.
type Config struct {
	PageSize int
	MaxPages int
	// Window bounds article publish times; zero bounds are open.
	WindowStart time.Time
	WindowEnd   time.Time
	// Keywords, when set, keep only articles whose title contains at
	// least one of them.
	Keywords []string
}

// Registry selects the extractor for each target kind. The set is closed:
// every kind the scheduler can hand out has exactly one extractor.
type Registry struct {
	byKind map[crawler.TargetKind]crawler.Extractor
}

// NewRegistry wires the standard extractor set for the given schema.
func NewRegistry(cfg Config, hasher crawler.Hasher) *Registry {
	return &Registry{
		byKind: map[crawler.TargetKind]crawler.Extractor{
			crawler.KindAccountLookup: &AccountExtractor{cfg: cfg},
			crawler.KindArticleList:   &ListExtractor{cfg: cfg},
			crawler.KindArticle:       &ArticleExtractor{hasher: hasher},
		},
	}
}

// Extractor returns the extractor for kind.
func (r *Registry) Extractor(kind crawler.TargetKind) (crawler.Extractor, error) {
	ex, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for kind %q", kind)
	}
	return ex, nil
}

// Pipeline runs the registered extractor for a result and drops records
// whose fingerprint was already seen in this run. Cross-run dedup is the
// checkpoint store's responsibility.
type Pipeline struct {
	registry *Registry

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPipeline builds a Pipeline around a registry.
func NewPipeline(registry *Registry) *Pipeline {
	return &Pipeline{
		registry: registry,
		seen:     make(map[string]struct{}),
	}
}

// SeedFingerprints pre-populates the dedup index, typically from a loaded
// checkpoint, so resumed runs skip already-collected records.
func (p *Pipeline) SeedFingerprints(fingerprints []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range fingerprints {
		p.seen[fp] = struct{}{}
	}
}

// Extract dispatches to the extractor for the result's target kind.
// Malformed input yields empty output plus a ParseError; the caller decides
// whether the underlying fetch is retried.
func (p *Pipeline) Extract(result crawler.FetchResult) ([]crawler.Record, []crawler.Target, error) {
	ex, err := p.registry.Extractor(result.Target.Kind)
	if err != nil {
		return nil, nil, &crawler.ParseError{Kind: result.Target.Kind, URL: result.Target.URL, Err: err}
	}
	records, targets, err := ex.Extract(result)
	if err != nil {
		return nil, nil, err
	}
	return p.dedupe(records), targets, nil
}

func (p *Pipeline) dedupe(records []crawler.Record) []crawler.Record {
	if len(records) == 0 {
		return records
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := records[:0]
	for _, rec := range records {
		if _, dup := p.seen[rec.Fingerprint]; dup {
			continue
		}
		p.seen[rec.Fingerprint] = struct{}{}
		kept = append(kept, rec)
	}
	return kept
}
