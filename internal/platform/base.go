package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Config tunes the in-variant retry behavior.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// PageSize caps records pulled per page; fewer means the sequence ended.
	PageSize int
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		PageSize:   20,
	}
}

// ParseError carries the raw payload that failed to parse so the
// orchestrator can archive it for diagnosis.
type ParseError struct {
	Op  string
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, model.ErrParse, e.Err)
}

func (e *ParseError) Unwrap() error { return model.ErrParse }

// base holds the pieces shared by every variant: throttling before each
// network step and bounded retry with exponential backoff.
type base struct {
	platform model.Platform
	throttle Throttle
	cfg      Config
	log      *logger.Logger
}

func newBase(platform model.Platform, throttle Throttle, cfg Config, log *logger.Logger) base {
	return base{
		platform: platform,
		throttle: throttle,
		cfg:      cfg,
		log:      log.WithComponent(string(platform) + "-crawler"),
	}
}

// withRetry retries transient failures with exponential backoff. Session
// invalidation, blocks, and parse failures surface immediately: local
// retries cannot fix them and the orchestrator owns the response.
func (b *base) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := b.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			b.log.Debug("retrying", "op", op, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrSessionInvalid) ||
			errors.Is(err, model.ErrBlocked) ||
			errors.Is(err, model.ErrParse) ||
			errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, model.ErrRateLimited) {
			b.throttle.SlowDown(b.platform)
		}
		lastErr = err
		b.log.WithError(err).Warn("request failed", "op", op, "attempt", attempt)
	}
	return fmt.Errorf("%s: all retries failed: %w", op, lastErr)
}

// guardPage inspects the landed page for auth redirects and challenge
// interstitials after navigation.
func (b *base) guardPage(browser Browser, loginMarkers, challengeMarkers []string) error {
	loc, err := browser.CurrentURL()
	if err != nil {
		return err
	}
	for _, marker := range loginMarkers {
		if strings.Contains(loc, marker) {
			return fmt.Errorf("redirected to %s: %w", loc, model.ErrSessionInvalid)
		}
	}

	html, err := browser.HTML()
	if err != nil {
		return err
	}
	for _, marker := range challengeMarkers {
		if strings.Contains(html, marker) {
			return fmt.Errorf("challenge page detected: %w", model.ErrRateLimited)
		}
	}
	return nil
}

// rawRecord is the shape every variant's extraction script returns.
type rawRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// toPage converts extracted raw records into a cursor page.
func (b *base) toPage(raws []rawRecord, kind model.CrawlKind, cursor string) *Page {
	page := &Page{}
	now := time.Now().UTC()
	for _, r := range raws {
		if r.ID == "" {
			continue
		}
		page.Records = append(page.Records, model.Record{
			ContentID: r.ID,
			Platform:  b.platform,
			Kind:      kind,
			Author:    r.Author,
			Title:     r.Title,
			Body:      r.Body,
			SourceURL: r.URL,
			FetchedAt: now,
		})
	}

	// A full page means the sequence likely continues.
	if b.cfg.PageSize > 0 && len(raws) >= b.cfg.PageSize {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(cursorPage(cursor) + 1)
	}
	return page
}

// crawl is the shared request pipeline: throttle, navigate, guard, extract.
// One call produces one cursor page.
func (b *base) crawl(ctx context.Context, browser Browser, kind model.CrawlKind, pageURL, cursor, extractJS string, loginMarkers, challengeMarkers []string) (*Page, error) {
	var page *Page
	err := b.withRetry(ctx, string(kind), func() error {
		if err := b.throttle.Wait(ctx, b.platform); err != nil {
			return err
		}
		if err := browser.Navigate(pageURL); err != nil {
			return err
		}
		if err := b.guardPage(browser, loginMarkers, challengeMarkers); err != nil {
			return err
		}

		var raws []rawRecord
		if err := browser.Evaluate(extractJS, &raws); err != nil {
			html, _ := browser.HTML()
			return &ParseError{Op: string(kind), Raw: []byte(html), Err: err}
		}
		page = b.toPage(raws, kind, cursor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Debug("page crawled", "kind", string(kind), "url", pageURL, "records", len(page.Records), "has_more", page.HasMore)
	return page, nil
}

// cursorPage decodes a pagination cursor; the empty cursor is page 1.
func cursorPage(cursor string) int {
	if cursor == "" {
		return 1
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
