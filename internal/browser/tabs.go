package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// Tab is a page to open in a running browser.
type Tab struct {
	URL       string
	NewWindow bool
}

// OpenTabs opens each tab in the browser behind cdpURL and returns the new
// target ids in order. The tabs outlive the call.
func OpenTabs(ctx context.Context, cdpURL string, tabs []Tab) ([]target.ID, error) {
	if len(tabs) == 0 {
		return nil, nil
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cdpURL)
	defer allocCancel()

	// The helper context attaches to a scratch page that is closed on cancel.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("browser: attach to %s: %w", cdpURL, err)
	}

	ids := make([]target.ID, 0, len(tabs))
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		browserExec := cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser)
		for _, t := range tabs {
			id, err := target.CreateTarget(t.URL).WithNewWindow(t.NewWindow).Do(browserExec)
			if err != nil {
				return fmt.Errorf("open %s: %w", t.URL, err)
			}
			slog.Info("browser startup tab opened", "url", t.URL, "target_id", id, "new_window", t.NewWindow)
			ids = append(ids, id)
		}
		return nil
	}))
	if err != nil {
		return ids, fmt.Errorf("browser: %w", err)
	}
	return ids, nil
}
