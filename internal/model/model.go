// Package model defines the shared data types passed between the crawl
// orchestrator, platform crawlers, and store sinks.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies a crawl target platform.
type Platform string

const (
	PlatformWeibo       Platform = "weibo"
	PlatformXiaohongshu Platform = "xiaohongshu"
	PlatformTieba       Platform = "tieba"
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{PlatformWeibo, PlatformXiaohongshu, PlatformTieba}
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeibo, PlatformXiaohongshu, PlatformTieba:
		return true
	}
	return false
}

// CrawlKind selects which crawler capability a work item exercises.
type CrawlKind string

const (
	KindSearch      CrawlKind = "search"
	KindDetail      CrawlKind = "detail"
	KindComments    CrawlKind = "comments"
	KindCreatorFeed CrawlKind = "creator"
)

// WorkItem is one unit of crawl work: a query against one platform.
type WorkItem struct {
	ID       string    `json:"id"`
	Platform Platform  `json:"platform"`
	Query    string    `json:"query"`
	Kind     CrawlKind `json:"kind"`
	Priority int       `json:"priority"`
	Attempt  int       `json:"attempt"`
	// Cursor carries the pagination checkpoint so a retried or
	// re-authenticated item resumes mid-sequence instead of restarting.
	Cursor    string    `json:"cursor,omitempty"`
	Account   string    `json:"account,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWorkItem builds a work item with a fresh id.
func NewWorkItem(platform Platform, query string, kind CrawlKind, priority int) *WorkItem {
	return &WorkItem{
		ID:        uuid.NewString(),
		Platform:  platform,
		Query:     query,
		Kind:      kind,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// Record is one extracted post, comment, or creator entry.
type Record struct {
	ContentID string         `json:"content_id"`
	Platform  Platform       `json:"platform"`
	Kind      CrawlKind      `json:"kind"`
	Author    string         `json:"author,omitempty"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ResultStatus is the terminal status of a processed work item.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusPartial ResultStatus = "partial"
	StatusFailed  ResultStatus = "failed"
)

// CrawlResult is the outcome of processing one work item.
type CrawlResult struct {
	ID      string       `json:"id"`
	Item    *WorkItem    `json:"item"`
	Records []Record     `json:"records"`
	Status  ResultStatus `json:"status"`
	// FailureClass and ErrDetail describe the failure for failed or
	// partial results.
	FailureClass FailureClass `json:"failure_class,omitempty"`
	ErrDetail    string       `json:"err_detail,omitempty"`
	// PayloadRef points at an archived raw payload for parse failures.
	PayloadRef string    `json:"payload_ref,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewCrawlResult builds an empty result for an item.
func NewCrawlResult(item *WorkItem) *CrawlResult {
	return &CrawlResult{
		ID:   uuid.NewString(),
		Item: item,
	}
}
