package browser

import (
	"github.com/chromedp/chromedp"

	"github.com/bettaflow/mediaspider/internal/config"
)

// stealthScripts are injected before any page script runs so automated
// instances present a plausible navigator surface.
var stealthScripts = []string{
	`Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`,
	`window.chrome = window.chrome || {}; window.chrome.runtime = {};`,
	`Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });`,
	`Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });`,
}

// execOptions builds the launch flags for an isolated instance.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
}
