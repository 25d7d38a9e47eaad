package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPathFinderOrder(t *testing.T) {
	env := map[string]string{}
	existing := map[string]bool{}
	f := pathFinder{
		goos:     "linux",
		getenv:   func(k string) string { return env[k] },
		exists:   func(p string) bool { return existing[p] },
		lookPath: func() (string, bool) { return "/opt/rod/chrome", true },
	}

	path, source := f.find("")
	assert.Equal(t, "/opt/rod/chrome", path)
	assert.Equal(t, "launcher lookup", source)

	existing["/usr/bin/google-chrome"] = true
	path, _ = f.find("")
	assert.Equal(t, "/usr/bin/google-chrome", path)

	existing["/usr/bin/chromium"] = true
	path, _ = f.find("")
	assert.Equal(t, "/usr/bin/chromium", path)

	env["CHROME_BIN"] = "/env/chrome"
	path, source = f.find("")
	assert.Equal(t, "/env/chrome", path)
	assert.Equal(t, "CHROME_BIN", source)

	env["PUPPETEER_EXECUTABLE_PATH"] = "/env/puppeteer"
	path, _ = f.find("")
	assert.Equal(t, "/env/puppeteer", path)

	path, source = f.find("/configured/chrome")
	assert.Equal(t, "/configured/chrome", path)
	assert.Equal(t, "config", source)
}

func TestPathFinderNothingFound(t *testing.T) {
	f := pathFinder{
		goos:     "darwin",
		getenv:   func(string) string { return "" },
		exists:   func(string) bool { return false },
		lookPath: func() (string, bool) { return "", false },
	}
	path, source := f.find("")
	assert.Empty(t, path)
	assert.Empty(t, source)
}

func TestOpenFailsWithoutBinary(t *testing.T) {
	s := NewSurface(DefaultConfig(), zap.NewNop())
	s.finder = pathFinder{
		goos:     "linux",
		getenv:   func(string) string { return "" },
		exists:   func(string) bool { return false },
		lookPath: func() (string, bool) { return "", false },
	}

	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrBrowserNotFound)

	_, err = s.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	require.NoError(t, s.Close())
}

func TestSessionUnavailableBeforeOpen(t *testing.T) {
	s := NewSurface(DefaultConfig(), zap.NewNop())

	_, err := s.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	_, err = s.Screenshot(context.Background(), "https://example.org")
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	_, err = s.Render(context.Background(), nil, "https://example.org")
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	// releasing nothing is fine
	s.CloseSession(nil)
	s.CloseSession(&Session{})
	require.NoError(t, s.Close())
}

func TestRenderErrorMapsDeadline(t *testing.T) {
	err := renderError("navigate", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrRenderTimeout)

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	err = renderError("navigate", cause)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrRenderTimeout)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JPEGQuality: 500, SettleDelay: -1}.withDefaults()
	assert.Equal(t, 1920, cfg.ViewportWidth)
	assert.Equal(t, 1080, cfg.ViewportHeight)
	assert.Equal(t, 2.0, cfg.DeviceScaleFactor)
	assert.Equal(t, 90, cfg.JPEGQuality)
	assert.Zero(t, cfg.SettleDelay)
	assert.NotEmpty(t, cfg.UserAgent)
}
