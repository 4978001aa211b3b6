package capture

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"

	"calfeed/internal/fetch"
	"calfeed/internal/script"
)

// Default capture parameters.
const (
	DefaultTimeoutSec = 30
)

// Options configures a headless Chromium state capture.
type Options struct {
	// UserAgent overrides the browser's default when non-empty.
	UserAgent string

	// Timeout bounds the whole navigation + evaluation. If zero, a sane
	// default (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

// Browser reads a page global by loading the page in headless Chromium via
// chromedp. Unlike the embedded sandboxes it has a full DOM, so pages whose data
// scripts depend on document APIs still populate their globals.
type Browser struct {
	opts Options
}

func NewBrowser(opts Options) *Browser {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return &Browser{opts: opts}
}

// Extract navigates to pageURL, waits for the body to be ready and returns the
// JSON encoding of window[global] together with the page title/description.
func (b *Browser) Extract(parentCtx context.Context, pageURL, global string) (*script.Result, error) {
	allocOpts := chromedp.DefaultExecAllocatorOptions[:]
	if b.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(b.opts.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parentCtx, allocOpts...)
	defer cancelAlloc()

	// Create a new chromedp context.
	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Apply timeout to the entire capture sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer timeoutCancel()

	var navigated bool
	var state, title, description string
	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(context.Context) error {
			navigated = true
			return nil
		}),
		chromedp.Title(&title),
		chromedp.Evaluate(descriptionExpr, &description),
		chromedp.Evaluate(stateExpr(global), &state),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		if !navigated {
			return nil, fmt.Errorf("%w: chromium navigate: %w", fetch.ErrTransport, err)
		}
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	if state == "" {
		return nil, fmt.Errorf("%w: %s", script.ErrGlobalMissing, global)
	}

	return &script.Result{
		State:       []byte(state),
		Title:       title,
		Description: description,
	}, nil
}

const descriptionExpr = `(function () {
  var m = document.querySelector('head > meta[name="description"]');
  return m ? (m.getAttribute("content") || "") : "";
})()`

// stateExpr returns "" for an undefined or null global so the caller can tell
// it apart from a real value.
func stateExpr(global string) string {
	return fmt.Sprintf(`(function () {
  var v = window[%s];
  return (v === undefined || v === null) ? "" : JSON.stringify(v);
})()`, strconv.Quote(global))
}
