// Package platform implements the per-platform crawl variants behind one
// capability interface. Variants shape requests and pull minimally-typed
// records off the rendered page; everything else is platform-agnostic.
package platform

import (
	"context"
	"fmt"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Browser is the slice of a browser handle the crawlers need. Satisfied by
// *browser.Handle.
type Browser interface {
	Navigate(url string) error
	CurrentURL() (string, error)
	HTML() (string, error)
	Evaluate(expr string, out any) error
}

// Throttle gates every network-bound step and receives slow-down signals.
type Throttle interface {
	Wait(ctx context.Context, platform model.Platform) error
	SlowDown(platform model.Platform)
}

// Page is one finite slice of a crawl sequence. A fresh call with NextCursor
// reproduces the remainder, so interrupted items resume mid-sequence.
type Page struct {
	Records    []model.Record
	NextCursor string
	HasMore    bool
}

// Crawler is the common capability contract across platform variants.
type Crawler interface {
	Platform() model.Platform
	SearchByKeyword(ctx context.Context, b Browser, keyword, cursor string) (*Page, error)
	FetchByID(ctx context.Context, b Browser, id string) (*Page, error)
	FetchComments(ctx context.Context, b Browser, id, cursor string) (*Page, error)
	FetchCreatorFeed(ctx context.Context, b Browser, creatorID, cursor string) (*Page, error)
}

// New returns the crawl variant for a platform identifier.
func New(platform model.Platform, throttle Throttle, cfg Config, log *logger.Logger) (Crawler, error) {
	if log == nil {
		log = logger.Default()
	}
	base := newBase(platform, throttle, cfg, log)
	switch platform {
	case model.PlatformWeibo:
		return &weiboCrawler{base: base}, nil
	case model.PlatformXiaohongshu:
		return &xiaohongshuCrawler{base: base}, nil
	case model.PlatformTieba:
		return &tiebaCrawler{base: base}, nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// Fetch dispatches a work item to the matching capability.
func Fetch(ctx context.Context, c Crawler, b Browser, item *model.WorkItem) (*Page, error) {
	switch item.Kind {
	case model.KindSearch:
		return c.SearchByKeyword(ctx, b, item.Query, item.Cursor)
	case model.KindDetail:
		return c.FetchByID(ctx, b, item.Query)
	case model.KindComments:
		return c.FetchComments(ctx, b, item.Query, item.Cursor)
	case model.KindCreatorFeed:
		return c.FetchCreatorFeed(ctx, b, item.Query, item.Cursor)
	default:
		return nil, fmt.Errorf("unknown crawl kind %q", item.Kind)
	}
}
