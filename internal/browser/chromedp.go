// Package browser provides collector sessions backed by chromedp and a
// locally launched Chrome, one browser process per profile directory.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Config controls the Chrome allocator and per-call timeouts.
type Config struct {
	Headless          bool
	DisableImages     bool
	UserAgent         string
	ExecPath          string
	WindowWidth       int
	WindowHeight      int
	StartTimeout      time.Duration
	NavigationTimeout time.Duration
	ScriptTimeout     time.Duration
}

// Launcher starts Chrome instances on isolated profile directories.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch starts a browser on profileDir and returns a live session. The
// browser outlives ctx; it is shut down by Session.Close.
func (l *Launcher) Launch(ctx context.Context, profileDir string) (collector.Session, error) {
	if strings.TrimSpace(profileDir) == "" {
		return nil, fmt.Errorf("profile dir is required")
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(profileDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           l.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		meta:          &responseMeta{},
		logger:        l.logger.With(zap.String("profile_dir", profileDir)),
	}
	chromedp.ListenTarget(browserCtx, s.meta.captureEvent)

	// The first Run allocates the browser and must use the long-lived
	// browser context, so the start timeout is enforced out of band.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, l.setupAction())
	}()
	timer := time.NewTimer(l.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			s.shutdown()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-timer.C:
		s.shutdown()
		return nil, fmt.Errorf("start browser: timed out after %s", l.cfg.StartTimeout)
	case <-ctx.Done():
		s.shutdown()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return s, nil
}

func (l *Launcher) allocatorOptions(profileDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if l.cfg.WindowWidth > 0 && l.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Session implements collector.Session on one browser tab.
type Session struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	meta          *responseMeta
	logger        *zap.Logger
	closed        atomic.Bool
	closeOnce     sync.Once
}

// Navigate loads target in the session tab.
func (s *Session) Navigate(ctx context.Context, target string) error {
	s.meta.reset()
	return s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(target))
}

// Reload refreshes the current page.
func (s *Session) Reload(ctx context.Context) error {
	s.meta.reset()
	return s.run(ctx, s.cfg.NavigationTimeout, chromedp.Reload())
}

// Location returns the current page URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.cfg.ScriptTimeout, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Evaluate runs a JavaScript expression and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	return s.run(ctx, s.cfg.ScriptTimeout, chromedp.Evaluate(expression, out))
}

// DocumentStatus returns the HTTP status of the last document response.
func (s *Session) DocumentStatus() int {
	return s.meta.status()
}

// Err reports a fatal error once the browser is gone.
func (s *Session) Err() error {
	if s.closed.Load() {
		return collector.Fatalf("session closed")
	}
	if err := s.browserCtx.Err(); err != nil {
		return collector.Fatalf("browser context ended: %v", err)
	}
	return nil
}

// Close shuts the browser down and releases the allocator.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if cerr := chromedp.Cancel(s.browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		s.shutdown()
	})
	return err
}

func (s *Session) shutdown() {
	s.closed.Store(true)
	s.browserCancel()
	s.allocCancel()
}

func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := s.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return s.classify(err)
	}
	return nil
}

// classify wraps errors that leave the browser unusable with
// collector.ErrFatalFailure and returns the rest unchanged.
func (s *Session) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.browserCtx.Err() != nil || isFatalBrowserError(err) {
		s.logger.Warn("browser session became unusable", zap.Error(err))
		return fmt.Errorf("%w: %w", collector.ErrFatalFailure, err)
	}
	return fmt.Errorf("browser: %w", err)
}

var fatalMessages = []string{
	"target closed",
	"session closed",
	"no target with given id",
	"websocket: close",
	"broken pipe",
	"connection reset by peer",
}

func isFatalBrowserError(err error) bool {
	switch {
	case errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}
