package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
)

func TestWebUILoginAndOpenTab(t *testing.T) {
	requireLong(t)
	ts := newTestStack(t)

	server := httptest.NewServer(ts.httpSrv.Handler())
	t.Cleanup(server.Close)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := chromedp.Run(ctx); err != nil {
		t.Skipf("browser unavailable: %v", err)
	}

	var loginDisplay string
	err := chromedp.Run(ctx,
		chromedp.Navigate(server.URL),
		chromedp.WaitVisible(`#login-form`, chromedp.ByQuery),
		chromedp.SetValue(`#login-username`, ts.user, chromedp.ByID),
		chromedp.SetValue(`#login-password`, ts.password, chromedp.ByID),
		chromedp.SetValue(`#login-totp`, currentTOTP(ts.totp), chromedp.ByID),
		chromedp.Click(`#login-form button[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitVisible(`#workspace`, chromedp.ByID),
		chromedp.Evaluate(`getComputedStyle(document.getElementById('login')).display`, &loginDisplay),
	)
	if err != nil {
		t.Fatalf("login flow: %v", err)
	}
	if loginDisplay != "none" {
		t.Fatalf("expected login panel hidden after login, got display=%q", loginDisplay)
	}

	err = chromedp.Run(ctx,
		chromedp.Click(`#open-button`, chromedp.ByID),
		chromedp.WaitVisible(`#open-form`, chromedp.ByID),
		chromedp.SetValue(`#open-host`, "box.example", chromedp.ByID),
		chromedp.SetValue(`#open-username`, "tester", chromedp.ByID),
		chromedp.SetValue(`#open-password`, "secret", chromedp.ByID),
		chromedp.SetValue(`#open-name`, "box", chromedp.ByID),
		chromedp.Click(`#open-submit`, chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForTerminalText(ctx, "connected to box.example", 10*time.Second)
		}),
	)
	if err != nil {
		t.Fatalf("open tab flow: %v", err)
	}

	var tabCount int
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(`document.querySelectorAll('#tabstrip .tab').length`, &tabCount),
	); err != nil {
		t.Fatalf("tabstrip query: %v", err)
	}
	if tabCount != 1 {
		t.Fatalf("expected one tab in strip, got %d", tabCount)
	}
}

func waitForTerminalText(ctx context.Context, needle string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var text string
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`document.getElementById('terminal').textContent`, &text),
		); err != nil {
			return err
		}
		if strings.Contains(text, needle) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for terminal text %q", needle)
}
