package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/internal/proxy"
	"github.com/bettaflow/mediaspider/internal/session"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// Handle is one controlled browser instance bound to at most one proxy lease
// and one session record. Never shared across concurrent work items.
type Handle struct {
	ID       string
	Platform model.Platform
	Lease    *proxy.Lease

	mode      Mode
	ctx       context.Context
	cancels   []context.CancelFunc
	opTimeout time.Duration
	log       *logger.Logger

	releaseOnce sync.Once
}

// Mode reports how the handle was acquired.
func (h *Handle) Mode() Mode {
	return h.mode
}

// init applies the fingerprint scripts and restores session cookies; the
// first action also forces the browser process to actually start.
func (h *Handle) init(rec *session.Record) error {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, script := range stealthScripts {
				if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	if err := h.run(actions...); err != nil {
		return err
	}
	if rec != nil && len(rec.AuthState) > 0 {
		if err := h.RestoreCookies(rec.AuthState); err != nil {
			return err
		}
	}
	return nil
}

// run executes chromedp actions with the per-operation timeout. Cancelling
// the acquire context aborts the operation through the derived context.
func (h *Handle) run(actions ...chromedp.Action) error {
	ctx := h.ctx
	if h.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opTimeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}

// Navigate loads the URL and waits for the document body.
func (h *Handle) Navigate(url string) error {
	if err := h.run(
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// CurrentURL returns the page's current location. Crawlers use this to
// detect login redirects.
func (h *Handle) CurrentURL() (string, error) {
	var loc string
	if err := h.run(chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// HTML returns the page's rendered outer HTML.
func (h *Handle) HTML() (string, error) {
	var html string
	if err := h.run(chromedp.OuterHTML("html", &html)); err != nil {
		return "", err
	}
	return html, nil
}

// Evaluate runs a JS expression on the page and unmarshals the result.
func (h *Handle) Evaluate(expr string, out any) error {
	return h.run(chromedp.Evaluate(expr, out))
}

// ExportCookies serializes the browser's cookie jar for the session store.
func (h *Handle) ExportCookies() ([]byte, error) {
	var cookies []*network.Cookie
	err := h.run(chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return json.Marshal(cookies)
}

// RestoreCookies loads a previously exported cookie jar into the browser.
func (h *Handle) RestoreCookies(authState []byte) error {
	var cookies []*network.Cookie
	if err := json.Unmarshal(authState, &cookies); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	err := h.run(chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}
	return nil
}

// Release tears down the browser context and, for isolated mode, the
// underlying process. Safe to call multiple times and on every exit path.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		for _, cancel := range h.cancels {
			cancel()
		}
		h.log.Debug("browser handle released", "handle", h.ID)
	})
}
