package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// appmsgPage mirrors the relevant parts of the appmsg list response.
type appmsgPage struct {
	AppMsgCnt  int `json:"app_msg_cnt"`
	AppMsgList []struct {
		Title      string `json:"title"`
		Link       string `json:"link"`
		Digest     string `json:"digest"`
		UpdateTime int64  `json:"update_time"`
	} `json:"app_msg_list"`
}

// searchBizPage mirrors the relevant parts of the search_biz response.
type searchBizPage struct {
	List []struct {
		FakeID   string `json:"fakeid"`
		Nickname string `json:"nickname"`
	} `json:"list"`
}

// AccountExtractor resolves a search_biz response into the account's fakeid
// and emits the first listing page.
type AccountExtractor struct {
	cfg Config
}

// Extract implements crawler.Extractor.
func (e *AccountExtractor) Extract(result crawler.FetchResult) ([]crawler.Record, []crawler.Target, error) {
	var parsed searchBizPage
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, nil, &crawler.ParseError{Kind: result.Target.Kind, URL: result.Target.URL, Err: err}
	}
	if len(parsed.List) == 0 {
		return nil, nil, &crawler.ParseError{
			Kind: result.Target.Kind,
			URL:  result.Target.URL,
			Err:  errors.New("no account matched the query"),
		}
	}

	// Prefer the exact nickname match; the platform returns fuzzy hits.
	chosen := parsed.List[0]
	for _, entry := range parsed.List {
		if entry.Nickname == result.Target.Account {
			chosen = entry
			break
		}
	}

	list := BuildListTarget(result.Target.Account, chosen.FakeID, 0, e.cfg.PageSize)
	list.DiscoveredFrom = result.Target.URL
	return nil, []crawler.Target{list}, nil
}

// ListExtractor walks one page of an account's paginated article listing.
// It emits an article target per entry inside the configured window plus
// the next page while older entries may still qualify.
type ListExtractor struct {
	cfg Config
}

// Extract implements crawler.Extractor.
func (e *ListExtractor) Extract(result crawler.FetchResult) ([]crawler.Record, []crawler.Target, error) {
	var parsed appmsgPage
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		return nil, nil, &crawler.ParseError{Kind: result.Target.Kind, URL: result.Target.URL, Err: err}
	}

	var targets []crawler.Target
	// Listing pages are newest-first: once an entry falls before the
	// window start, every later page is older and pagination stops.
	exhausted := len(parsed.AppMsgList) == 0
	for _, entry := range parsed.AppMsgList {
		if entry.Link == "" {
			continue
		}
		published := time.Unix(entry.UpdateTime, 0).UTC()
		if !e.cfg.WindowStart.IsZero() && published.Before(e.cfg.WindowStart) {
			exhausted = true
			continue
		}
		if !e.cfg.WindowEnd.IsZero() && published.After(e.cfg.WindowEnd) {
			continue
		}
		if !matchesKeywords(entry.Title, e.cfg.Keywords) {
			continue
		}
		targets = append(targets, crawler.Target{
			URL:            entry.Link,
			Kind:           crawler.KindArticle,
			Account:        result.Target.Account,
			FakeID:         result.Target.FakeID,
			Title:          entry.Title,
			PublishedAt:    published,
			Priority:       PriorityArticle,
			DiscoveredFrom: result.Target.URL,
		})
	}

	nextPage := result.Target.Page + 1
	if !exhausted && (e.cfg.MaxPages <= 0 || nextPage < e.cfg.MaxPages) {
		next := BuildListTarget(result.Target.Account, result.Target.FakeID, nextPage, e.cfg.PageSize)
		next.DiscoveredFrom = result.Target.URL
		targets = append(targets, next)
	}

	return nil, targets, nil
}

func matchesKeywords(title string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(title, kw) {
			return true
		}
	}
	return false
}
