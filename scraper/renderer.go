package scraper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/playwright-community/playwright-go"
	"rc_tracker/auth"
)

// NewRenderer returns the browser renderer named by engine ("playwright" or
// "chromedp").
func NewRenderer(engine, chromePath string, timeout time.Duration) (Renderer, error) {
	switch engine {
	case "", "playwright":
		return NewPlaywrightRenderer(timeout), nil
	case "chromedp":
		return NewChromedpRenderer(chromePath, timeout), nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", engine)
	}
}

// PlaywrightRenderer drives a headless Chromium through Playwright. The
// browser is started on first use and reused until Close.
type PlaywrightRenderer struct {
	mu      sync.Mutex
	timeout time.Duration
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewPlaywrightRenderer(timeout time.Duration) *PlaywrightRenderer {
	return &PlaywrightRenderer{timeout: timeout}
}

func (r *PlaywrightRenderer) start() error {
	if r.browser != nil {
		return nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("could not start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return fmt.Errorf("could not launch browser: %w", err)
	}
	r.pw = pw
	r.browser = browser
	return nil
}

func (r *PlaywrightRenderer) Render(ctx context.Context, url string, sess *auth.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.start(); err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "browser unavailable", err)
	}

	bctx, err := r.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(browserUserAgent),
		ExtraHttpHeaders: sessionHeaders(sess),
	})
	if err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "could not open browser context", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "could not open page", err)
	}

	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout || timeout == 0 {
			timeout = remaining
		}
	}
	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "offers page did not load", err)
	}
	if resp != nil && resp.Status() >= 400 {
		return "", statusError("offers page", resp.Status())
	}

	content, err := page.Content()
	if err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "could not read page content", err)
	}
	return content, nil
}

func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			log.Printf("Warning: closing browser: %v", err)
		}
		r.browser = nil
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil {
			return err
		}
		r.pw = nil
	}
	return nil
}

// ChromedpRenderer renders pages through a locally installed Chrome.
type ChromedpRenderer struct {
	chromePath string
	timeout    time.Duration
}

func NewChromedpRenderer(chromePath string, timeout time.Duration) *ChromedpRenderer {
	return &ChromedpRenderer{chromePath: chromePath, timeout: timeout}
}

func (r *ChromedpRenderer) Render(ctx context.Context, url string, sess *auth.Session) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(browserUserAgent),
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelBrowser()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		browserCtx, cancel = context.WithTimeout(browserCtx, r.timeout)
		defer cancel()
	}

	headers := network.Headers{}
	for k, v := range sessionHeaders(sess) {
		headers[k] = v
	}

	var html string
	err := chromedp.Run(browserCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fetchErr(ErrUpstreamUnavailable, "offers page did not load", err)
	}
	return html, nil
}

func (r *ChromedpRenderer) Close() error { return nil }
