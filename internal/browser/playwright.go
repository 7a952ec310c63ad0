package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

// PlaywrightLauncher starts Chromium through playwright with a persistent
// context in a throwaway profile directory.
type PlaywrightLauncher struct {
	opts   Options
	logger zerolog.Logger
}

// NewSession implements Launcher.
func (l *PlaywrightLauncher) NewSession(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := newProfileDir()
	if err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args:     chromeArgs,
		Viewport: &playwright.Size{Width: 1920, Height: 1080},
		Locale:   playwright.String("en-US"),
	}
	if l.opts.UserAgent != "" {
		launchOpts.UserAgent = playwright.String(l.opts.UserAgent)
	}
	if l.opts.BrowserPath != "" {
		launchOpts.ExecutablePath = playwright.String(l.opts.BrowserPath)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(dir, launchOpts)
	if err != nil {
		_ = pw.Stop()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = bctx.Close()
		_ = pw.Stop()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("open page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.ActionTimeout.Milliseconds()))

	l.logger.Debug().Str("profile", dir).Msg("browser session started")
	return &playwrightDriver{pw: pw, bctx: bctx, page: page, dir: dir, opts: l.opts}, nil
}

type playwrightDriver struct {
	pw   *playwright.Playwright
	bctx playwright.BrowserContext
	page playwright.Page
	dir  string
	opts Options
}

func (d *playwrightDriver) Navigate(_ context.Context, url string) error {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(d.opts.NavigationTimeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigate: %w", mapPlaywrightErr(err))
	}
	return nil
}

func (d *playwrightDriver) Content(context.Context) (string, error) {
	return d.page.Content()
}

func (d *playwrightDriver) Find(_ context.Context, by By, value string) (Element, error) {
	loc := d.page.Locator(playwrightSelector(by, value))
	n, err := loc.Count()
	if err != nil {
		return nil, mapPlaywrightErr(err)
	}
	if n == 0 {
		return nil, ErrNoSuchElement
	}
	return &playwrightElement{loc: loc.First(), timeout: d.opts.ActionTimeout}, nil
}

func (d *playwrightDriver) FindAll(_ context.Context, by By, value string) ([]Element, error) {
	locs, err := d.page.Locator(playwrightSelector(by, value)).All()
	if err != nil {
		return nil, mapPlaywrightErr(err)
	}
	out := make([]Element, 0, len(locs))
	for _, loc := range locs {
		out = append(out, &playwrightElement{loc: loc, timeout: d.opts.ActionTimeout})
	}
	return out, nil
}

func (d *playwrightDriver) MoveAway(context.Context) error {
	return d.page.Mouse().Move(0, 0)
}

func (d *playwrightDriver) WaitVisible(_ context.Context, selector string, timeout time.Duration) (Element, error) {
	loc := d.page.Locator(selector).First()
	err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return nil, mapPlaywrightErr(err)
	}
	return &playwrightElement{loc: loc, timeout: d.opts.ActionTimeout}, nil
}

func (d *playwrightDriver) Close() error {
	var errs []error
	if d.bctx != nil {
		if err := d.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
	}
	if d.dir != "" {
		if err := os.RemoveAll(d.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove profile: %w", err))
		}
	}
	return errors.Join(errs...)
}

type playwrightElement struct {
	loc     playwright.Locator
	timeout time.Duration
}

func (e *playwrightElement) ms() *float64 {
	return playwright.Float(float64(e.timeout.Milliseconds()))
}

func (e *playwrightElement) Attribute(name string) (string, error) {
	v, err := e.loc.GetAttribute(name, playwright.LocatorGetAttributeOptions{Timeout: e.ms()})
	if err != nil {
		return "", mapPlaywrightErr(err)
	}
	return v, nil
}

func (e *playwrightElement) Text() (string, error) {
	v, err := e.loc.TextContent(playwright.LocatorTextContentOptions{Timeout: e.ms()})
	if err != nil {
		return "", mapPlaywrightErr(err)
	}
	return v, nil
}

func (e *playwrightElement) Visible() (bool, error) {
	return e.loc.IsVisible()
}

func (e *playwrightElement) Click() error {
	if err := e.loc.Click(playwright.LocatorClickOptions{Timeout: e.ms()}); err != nil {
		return interactErr(mapPlaywrightErr(err))
	}
	return nil
}

func (e *playwrightElement) ScrollIntoView() error {
	if err := e.loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: e.ms()}); err != nil {
		return interactErr(mapPlaywrightErr(err))
	}
	return nil
}

func (e *playwrightElement) Hover() error {
	if err := e.loc.Hover(playwright.LocatorHoverOptions{Timeout: e.ms()}); err != nil {
		return interactErr(mapPlaywrightErr(err))
	}
	return nil
}

func playwrightSelector(by By, value string) string {
	if by == ByXPath {
		return "xpath=" + value
	}
	return value
}

func mapPlaywrightErr(err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func interactErr(err error) error {
	if errors.Is(err, ErrNotInteractable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotInteractable, err)
}

var _ Driver = (*playwrightDriver)(nil)
