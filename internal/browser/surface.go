package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

var (
	// ErrSessionUnavailable means no rendering session could be created.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	// ErrRenderTimeout means navigation or content readiness missed its ceiling.
	ErrRenderTimeout = errors.New("render timed out")
	// ErrBrowserNotFound means no local browser binary was found and
	// downloading one is disabled.
	ErrBrowserNotFound = errors.New("browser binary not found")
)

// cleanupScript hides footer and contact regions before the capture. It
// matches configured selectors and any short element whose text contains one
// of the markers.
const cleanupScript = `(selectors, markers) => {
	const hide = (el) => { el.style.setProperty("display", "none", "important"); };
	for (const sel of selectors) {
		try { document.querySelectorAll(sel).forEach(hide); } catch (e) {}
	}
	if (markers.length === 0) return;
	document.querySelectorAll("body *").forEach((el) => {
		const text = (el.innerText || "").trim();
		if (text.length === 0 || text.length > 200) return;
		if (markers.some((m) => text.includes(m))) hide(el);
	});
}`

// Session is one isolated browsing context with a single page.
type Session struct {
	incognito *rod.Browser
	page      *rod.Page
	router    *rod.HijackRouter
	removeHdr func()
}

// Surface owns the headless browser process and hands out sessions.
type Surface struct {
	cfg    Config
	logger *zap.Logger
	finder pathFinder

	mu       sync.RWMutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewSurface(cfg Config, logger *zap.Logger) *Surface {
	return &Surface{
		cfg:    cfg.withDefaults(),
		logger: logger,
		finder: defaultPathFinder(),
	}
}

// Open launches the browser and connects to it.
func (s *Surface) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return nil
	}

	bin, source := s.finder.find(s.cfg.Bin)
	if bin == "" && !s.cfg.AllowDownload {
		return fmt.Errorf("%w: set browser.bin, PUPPETEER_EXECUTABLE_PATH or CHROME_BIN", ErrBrowserNotFound)
	}

	l := launcher.New().
		Headless(s.cfg.Headless).
		NoSandbox(true).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-extensions")).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("no-first-run")).
		Context(ctx)

	if bin != "" {
		s.logger.Info("Using browser binary", zap.String("path", bin), zap.String("source", source))
		l = l.Bin(bin)
	} else {
		s.logger.Warn("No browser binary found, downloading one")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to browser: %w", err)
	}

	s.browser = b
	s.launcher = l
	s.logger.Info("Browser initialized")
	return nil
}

// Close shuts the browser down.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.launcher.Kill()
	s.browser = nil
	s.launcher = nil
	return err
}

// NewSession creates an isolated context with the viewport, identity headers
// and resource blocking applied.
func (s *Surface) NewSession(ctx context.Context) (*Session, error) {
	s.mu.RLock()
	b := s.browser
	s.mu.RUnlock()
	if b == nil {
		return nil, ErrSessionUnavailable
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("%w: incognito context: %v", ErrSessionUnavailable, err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("%w: create page: %v", ErrSessionUnavailable, err)
	}
	sess := &Session{incognito: incognito, page: page}

	if err := s.prepare(sess); err != nil {
		s.CloseSession(sess)
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return sess, nil
}

func (s *Surface) prepare(sess *Session) error {
	page := sess.page

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.ViewportWidth,
		Height:            s.cfg.ViewportHeight,
		DeviceScaleFactor: s.cfg.DeviceScaleFactor,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.cfg.UserAgent,
		AcceptLanguage: s.cfg.AcceptLanguage,
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	remove, err := page.SetExtraHeaders([]string{
		"Accept-Language", s.cfg.AcceptLanguage,
		"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Upgrade-Insecure-Requests", "1",
	})
	if err != nil {
		return fmt.Errorf("set headers: %w", err)
	}
	sess.removeHdr = remove

	router := page.HijackRequests()
	block := func(h *rod.Hijack) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	}
	for _, rt := range []proto.NetworkResourceType{proto.NetworkResourceTypeFont, proto.NetworkResourceTypeMedia} {
		if err := router.Add("*", rt, block); err != nil {
			return fmt.Errorf("block %s requests: %w", rt, err)
		}
	}
	go router.Run()
	sess.router = router

	return nil
}

// CloseSession releases everything a session holds. Safe on nil and on
// partially created sessions.
func (s *Surface) CloseSession(sess *Session) {
	if sess == nil {
		return
	}
	if sess.router != nil {
		if err := sess.router.Stop(); err != nil {
			s.logger.Debug("Failed to stop request router", zap.Error(err))
		}
	}
	if sess.removeHdr != nil {
		sess.removeHdr()
	}
	if sess.page != nil {
		if err := sess.page.Close(); err != nil {
			s.logger.Debug("Failed to close page", zap.Error(err))
		}
	}
	if sess.incognito != nil {
		if err := sess.incognito.Close(); err != nil {
			s.logger.Debug("Failed to close browser context", zap.Error(err))
		}
	}
}

// Render navigates the session to url and returns a full-page JPEG.
func (s *Surface) Render(ctx context.Context, sess *Session, url string) ([]byte, error) {
	if sess == nil || sess.page == nil {
		return nil, ErrSessionUnavailable
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	page := sess.page.Context(navCtx)

	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return nil, renderError("navigate", err)
	}
	wait()
	if err := navCtx.Err(); err != nil {
		return nil, renderError("navigate", err)
	}

	if _, err := page.Timeout(s.cfg.ReadyTimeout).Element("body"); err != nil {
		return nil, renderError("wait for content", err)
	}

	if s.cfg.SettleDelay > 0 {
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, renderError("settle", ctx.Err())
		}
	}

	selectors := s.cfg.HideSelectors
	if selectors == nil {
		selectors = []string{}
	}
	markers := s.cfg.HideMarkers
	if markers == nil {
		markers = []string{}
	}
	if _, err := page.Eval(cleanupScript, selectors, markers); err != nil {
		// The capture is still useful without the cleanup.
		s.logger.Warn("DOM cleanup failed", zap.String("url", url), zap.Error(err))
	}

	quality := s.cfg.JPEGQuality
	img, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	if err != nil {
		return nil, renderError("screenshot", err)
	}
	return img, nil
}

// Screenshot renders url in a fresh session that is always released.
func (s *Surface) Screenshot(ctx context.Context, url string) ([]byte, error) {
	sess, err := s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer s.CloseSession(sess)

	return s.Render(ctx, sess, url)
}

func renderError(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrRenderTimeout, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
