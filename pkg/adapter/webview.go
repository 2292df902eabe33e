package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/models"
)

// webViewCommand is the structured input write() accepts for this kind.
// The supported actions are listed below; any other action is rejected
// with models.ErrInvalidArgument.
type webViewCommand struct {
	Action string `json:"action"` // "navigate", "click", "type", "screenshot"
	URL    string `json:"url,omitempty"`
	Value  string `json:"value,omitempty"`
}

// webViewAdapter drives a headless browser tab via Playwright. Every
// navigation is emitted as a web-view:navigation event so catch-up
// replays let a client reconstruct where the page ended up.
type webViewAdapter struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	emit    Emit

	mu     sync.Mutex
	closed bool
}

// NewWebViewFactory returns a Factory that launches a headless browser per
// defaults (or the built-in fallback) and opens one page.
func NewWebViewFactory(defaults *config.WebViewDefaults) Factory {
	return func(ctx context.Context, params models.CreateParams, emit Emit) (Adapter, error) {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("%w: start playwright: %v", models.ErrAdapterFailure, err)
		}

		headless := true
		browserName := "chromium"
		startURL := ""
		if defaults != nil {
			headless = defaults.Headless
			if defaults.Browser != "" {
				browserName = defaults.Browser
			}
			startURL = defaults.StartURL
		}

		launcher := pw.Chromium
		switch browserName {
		case "firefox":
			launcher = pw.Firefox
		case "webkit":
			launcher = pw.WebKit
		}

		browser, err := launcher.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(headless)})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("%w: launch browser: %v", models.ErrAdapterFailure, err)
		}

		page, err := browser.NewPage()
		if err != nil {
			_ = browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("%w: new page: %v", models.ErrAdapterFailure, err)
		}

		a := &webViewAdapter{pw: pw, browser: browser, page: page, emit: emit}

		page.OnLoad(func(p playwright.Page) {
			a.emit("web-view:navigation", "load", map[string]any{"url": p.URL()})
		})
		page.OnClose(func(p playwright.Page) {
			a.mu.Lock()
			alreadyClosed := a.closed
			a.mu.Unlock()
			if !alreadyClosed {
				a.emit("system:status", "closed", map[string]any{})
			}
		})

		if startURL != "" {
			if _, err := page.Goto(startURL); err != nil {
				a.emit("web-view:navigation", "error", map[string]any{"url": startURL, "error": err.Error()})
			}
		}

		return a, nil
	}
}

func (a *webViewAdapter) Write(ctx context.Context, data []byte) error {
	var cmd webViewCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("%w: decode web-view command: %v", models.ErrInvalidArgument, err)
	}

	switch cmd.Action {
	case "navigate":
		if cmd.URL == "" {
			return fmt.Errorf("%w: navigate requires url", models.ErrInvalidArgument)
		}
		if _, err := a.page.Goto(cmd.URL); err != nil {
			a.emit("web-view:navigation", "error", map[string]any{"url": cmd.URL, "error": err.Error()})
			return fmt.Errorf("%w: navigate: %v", models.ErrAdapterFailure, err)
		}
		a.emit("web-view:navigation", "navigate", map[string]any{"url": cmd.URL})
	case "click":
		if err := a.page.Locator(cmd.Value).Click(); err != nil {
			return fmt.Errorf("%w: click: %v", models.ErrAdapterFailure, err)
		}
	case "type":
		if err := a.page.Keyboard().Type(cmd.Value); err != nil {
			return fmt.Errorf("%w: type: %v", models.ErrAdapterFailure, err)
		}
	case "screenshot":
		shot, err := a.page.Screenshot()
		if err != nil {
			return fmt.Errorf("%w: screenshot: %v", models.ErrAdapterFailure, err)
		}
		a.emit("web-view:navigation", "screenshot", map[string]any{"data": shot})
	default:
		return fmt.Errorf("%w: unknown web-view action %q", models.ErrInvalidArgument, cmd.Action)
	}
	return nil
}

// Resize is not meaningful for a headless browser tab; the viewport is
// fixed at launch.
func (a *webViewAdapter) Resize(ctx context.Context, cols, rows int) error { return nil }

func (a *webViewAdapter) Close(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil
	}
	a.closed = true
	a.mu.Unlock()

	var resumeState []byte
	if url := a.page.URL(); url != "" {
		resumeState, _ = json.Marshal(map[string]string{"lastURL": url})
	}

	_ = a.page.Close()
	_ = a.browser.Close()
	_ = a.pw.Stop()
	return resumeState, nil
}
