package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

// RodLauncher starts Chromium through rod and opens stealth pages.
type RodLauncher struct {
	opts   Options
	logger zerolog.Logger
}

// NewSession implements Launcher.
func (l *RodLauncher) NewSession(ctx context.Context) (Driver, error) {
	dir, err := newProfileDir()
	if err != nil {
		return nil, err
	}

	lc := launcher.New().
		Context(ctx).
		Headless(l.opts.Headless).
		UserDataDir(dir).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("window-size", "1920,1080").
		Set("lang", "en-US,en")
	if l.opts.BrowserPath != "" {
		lc = lc.Bin(l.opts.BrowserPath)
	}

	u, err := lc.Launch()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		lc.Kill()
		lc.Cleanup()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		lc.Kill()
		lc.Cleanup()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	if l.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: l.opts.UserAgent}); err != nil {
			l.logger.Debug().Err(err).Msg("user agent override failed")
		}
	}
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: 1920, Height: 1080})

	l.logger.Debug().Str("profile", dir).Msg("browser session started")
	return &rodDriver{launcher: lc, browser: b, page: page, dir: dir, opts: l.opts}, nil
}

type rodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	dir      string
	opts     Options
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx).Timeout(d.opts.NavigationTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", mapRodErr(err))
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", mapRodErr(err))
	}
	return nil
}

func (d *rodDriver) Content(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *rodDriver) Find(ctx context.Context, by By, value string) (Element, error) {
	els, err := d.elements(ctx, by, value)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, ErrNoSuchElement
	}
	return els[0], nil
}

func (d *rodDriver) FindAll(ctx context.Context, by By, value string) ([]Element, error) {
	return d.elements(ctx, by, value)
}

func (d *rodDriver) elements(ctx context.Context, by By, value string) ([]Element, error) {
	p := d.page.Context(ctx)
	var (
		found rod.Elements
		err   error
	)
	if by == ByXPath {
		found, err = p.ElementsX(value)
	} else {
		found, err = p.Elements(value)
	}
	if err != nil {
		return nil, mapRodErr(err)
	}
	out := make([]Element, 0, len(found))
	for _, el := range found {
		out = append(out, &rodElement{el: el, timeout: d.opts.ActionTimeout})
	}
	return out, nil
}

func (d *rodDriver) MoveAway(ctx context.Context) error {
	return d.page.Context(ctx).Mouse.MoveTo(proto.Point{X: 0, Y: 0})
}

func (d *rodDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	p := d.page.Context(ctx).Timeout(timeout)
	el, err := p.Element(selector)
	if err != nil {
		return nil, mapRodErr(err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, mapRodErr(err)
	}
	return &rodElement{el: el.CancelTimeout(), timeout: d.opts.ActionTimeout}, nil
}

func (d *rodDriver) Close() error {
	var errs []error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
	if d.dir != "" {
		if err := os.RemoveAll(d.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove profile: %w", err))
		}
	}
	return errors.Join(errs...)
}

type rodElement struct {
	el      *rod.Element
	timeout time.Duration
}

func (e *rodElement) bounded() *rod.Element { return e.el.Timeout(e.timeout) }

func (e *rodElement) Attribute(name string) (string, error) {
	v, err := e.bounded().Attribute(name)
	if err != nil {
		return "", mapRodErr(err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (e *rodElement) Text() (string, error) {
	v, err := e.bounded().Text()
	if err != nil {
		return "", mapRodErr(err)
	}
	return v, nil
}

func (e *rodElement) Visible() (bool, error) {
	return e.bounded().Visible()
}

func (e *rodElement) Click() error {
	if err := e.bounded().Click(proto.InputMouseButtonLeft, 1); err != nil {
		return interactErr(mapRodErr(err))
	}
	return nil
}

func (e *rodElement) ScrollIntoView() error {
	if err := e.bounded().ScrollIntoView(); err != nil {
		return interactErr(mapRodErr(err))
	}
	return nil
}

func (e *rodElement) Hover() error {
	if err := e.bounded().Hover(); err != nil {
		return interactErr(mapRodErr(err))
	}
	return nil
}

func mapRodErr(err error) error {
	var notFound *rod.ElementNotFoundError
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrNoSuchElement, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

var _ Driver = (*rodDriver)(nil)
