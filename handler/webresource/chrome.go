package webresource

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeRenderer drives a headless Chrome instance through the DevTools
// protocol. A fresh browser context is allocated per page so renders do not
// share state.
type ChromeRenderer struct {
	timeout time.Duration
}

func NewChromeRenderer(timeout time.Duration) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeRenderer{timeout: timeout}
}

func (c *ChromeRenderer) Render(ctx context.Context, url string) (string, string, []byte, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, c.timeout)
	defer cancelTimeout()

	var html, title string
	var screenshot []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html),
		chromedp.FullScreenshot(&screenshot, 80),
	)
	if err != nil {
		return "", "", nil, err
	}
	return html, title, screenshot, nil
}
