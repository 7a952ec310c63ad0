// Package browser hides the browser automation engine behind a small
// capability interface so the section scraper can run on playwright or rod
// and be tested without a browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// By selects how a Find locator is interpreted.
type By string

const (
	ByCSS   By = "css"
	ByXPath By = "xpath"
)

var (
	ErrNoSuchElement   = errors.New("no such element")
	ErrNotInteractable = errors.New("element not interactable")
	ErrTimeout         = errors.New("timed out waiting for element")
)

// Element is a handle to a node on the current page.
type Element interface {
	// Attribute returns "" when the attribute is absent.
	Attribute(name string) (string, error)
	Text() (string, error)
	Visible() (bool, error)
	Click() error
	ScrollIntoView() error
	Hover() error
}

// Driver is one browser session with a single page.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	// Find returns ErrNoSuchElement when nothing matches.
	Find(ctx context.Context, by By, value string) (Element, error)
	FindAll(ctx context.Context, by By, value string) ([]Element, error)
	// MoveAway moves the pointer off any hovered element.
	MoveAway(ctx context.Context) error
	// WaitVisible waits for the first visible match of a CSS selector and
	// returns ErrTimeout when none shows up in time.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Close tears the session down and removes its profile directory.
	Close() error
}

// Launcher opens fresh sessions.
type Launcher interface {
	NewSession(ctx context.Context) (Driver, error)
}

// Engines.
const (
	EnginePlaywright = "playwright"
	EngineRod        = "rod"
)

// Options configure a launcher.
type Options struct {
	Engine            string
	Headless          bool
	BrowserPath       string
	UserAgent         string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 5 * time.Second
	}
	return o
}

// NewLauncher returns the launcher for opts.Engine.
func NewLauncher(opts Options, logger zerolog.Logger) (Launcher, error) {
	opts = opts.withDefaults()
	logger = logger.With().Str("component", "browser").Str("engine", opts.Engine).Logger()
	switch opts.Engine {
	case EnginePlaywright, "":
		return &PlaywrightLauncher{opts: opts, logger: logger}, nil
	case EngineRod:
		return &RodLauncher{opts: opts, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", opts.Engine)
	}
}

var chromeArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-infobars",
	"--window-size=1920,1080",
}

func newProfileDir() (string, error) {
	dir, err := os.MkdirTemp("", "tixwatch-profile-*")
	if err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}
