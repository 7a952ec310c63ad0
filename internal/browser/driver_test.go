package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLauncherSelectsEngine(t *testing.T) {
	l, err := NewLauncher(Options{Engine: EnginePlaywright}, zerolog.Nop())
	require.NoError(t, err)
	pl, ok := l.(*PlaywrightLauncher)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, pl.opts.NavigationTimeout)
	assert.Equal(t, 5*time.Second, pl.opts.ActionTimeout)

	l, err = NewLauncher(Options{Engine: EngineRod, ActionTimeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	rl, ok := l.(*RodLauncher)
	require.True(t, ok)
	assert.Equal(t, time.Second, rl.opts.ActionTimeout)

	_, err = NewLauncher(Options{Engine: "selenium"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPlaywrightSelector(t *testing.T) {
	assert.Equal(t, `[data-section-name="Floor"]`, playwrightSelector(ByCSS, `[data-section-name="Floor"]`))
	assert.Equal(t, `xpath=//*[contains(text(), "Floor")]`, playwrightSelector(ByXPath, `//*[contains(text(), "Floor")]`))
}

func TestErrorMapping(t *testing.T) {
	timeout := fmt.Errorf("locator.hover: %w", playwright.ErrTimeout)
	assert.ErrorIs(t, mapPlaywrightErr(timeout), ErrTimeout)

	hoverErr := interactErr(mapPlaywrightErr(timeout))
	assert.ErrorIs(t, hoverErr, ErrNotInteractable)
	assert.ErrorIs(t, hoverErr, ErrTimeout)
	assert.Same(t, hoverErr, interactErr(hoverErr))

	assert.ErrorIs(t, mapRodErr(fmt.Errorf("wait: %w", context.DeadlineExceeded)), ErrTimeout)
	other := errors.New("target closed")
	assert.Equal(t, other, mapRodErr(other))
}
