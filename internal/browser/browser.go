// Package browser 管理受控浏览器会话的生命周期。
//
// 每个 Session 对应一个独立的浏览器进程，只服务于一个流水线阶段，用完即关闭。
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"ozon1688/internal/config"
	"ozon1688/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
)

const (
	pageCreateTimeout    = 10 * time.Second // 页面创建超时
	stealthScriptTimeout = 5 * time.Second  // Stealth 脚本应用超时
	closeTimeout         = 5 * time.Second  // 关闭浏览器超时
	loadWaitTimeout      = 15 * time.Second // 等待 load 事件的时间
	pageTextCheckTimeout = 2 * time.Second  // 页面文本检查超时
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var (
	// ErrSessionClosed 表示会话已关闭。
	ErrSessionClosed = errors.New("browser session closed")
	// ErrBlocked 表示页面被反爬机制拦截。
	ErrBlocked = errors.New("blocked_page")
)

// Session 封装一个浏览器实例及其当前活动页面。
type Session struct {
	id       string
	mu       sync.Mutex
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	opened   bool
	closed   atomic.Bool
}

// ID 返回会话标识。
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Closed 判断会话是否已关闭。
func (s *Session) Closed() bool {
	return s == nil || s.closed.Load()
}

// Page 返回当前活动页面。
func (s *Session) Page() (*rod.Page, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, ErrSessionClosed
	}
	return s.page, nil
}

// Browser 返回会话所属的浏览器。
func (s *Session) Browser() (*rod.Browser, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil, ErrSessionClosed
	}
	return s.browser, nil
}

// SwitchPage 将活动页面切换为新打开的标签页，旧页面会被关闭。
func (s *Session) SwitchPage(p *rod.Page) {
	if s.Closed() || p == nil {
		return
	}
	s.mu.Lock()
	old := s.page
	s.page = p
	s.mu.Unlock()
	if old != nil && old.TargetID != p.TargetID {
		_ = old.Close()
	}
}

// Manager 负责打开、导航、重启和关闭会话。
type Manager struct {
	cfg    config.BrowserConfig
	logger *slog.Logger

	binMu sync.Mutex
	bin   string

	stats managerStats
}

type managerStats struct {
	opened      atomic.Int64
	closed      atomic.Int64
	openFailed  atomic.Int64
	active      atomic.Int64
	navFailures atomic.Int64
}

// Stats 会话统计快照。
type Stats struct {
	Opened      int64
	Closed      int64
	OpenFailed  int64
	Active      int64
	NavFailures int64
}

// NewManager 创建会话管理器。
//
// 参数:
//   - cfg: 浏览器配置
//   - logger: 日志记录器
//
// 返回值:
//   - *Manager: 会话管理器
func NewManager(cfg config.BrowserConfig, logger *slog.Logger) *Manager {
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = 30 * time.Second
	}
	if cfg.OpenAttempts <= 0 {
		cfg.OpenAttempts = 1
	}
	return &Manager{cfg: cfg, logger: logger}
}

// PageLoadTimeout 返回页面加载的有界等待时间。
func (m *Manager) PageLoadTimeout() time.Duration {
	return m.cfg.PageLoadTimeout
}

// Stats 返回统计快照。
func (m *Manager) Stats() Stats {
	return Stats{
		Opened:      m.stats.opened.Load(),
		Closed:      m.stats.closed.Load(),
		OpenFailed:  m.stats.openFailed.Load(),
		Active:      m.stats.active.Load(),
		NavFailures: m.stats.navFailures.Load(),
	}
}

// resolveBin 返回浏览器可执行文件路径，未配置时下载默认浏览器（只下载一次）。
func (m *Manager) resolveBin() (string, error) {
	m.binMu.Lock()
	defer m.binMu.Unlock()
	if m.bin != "" {
		return m.bin, nil
	}
	if m.cfg.BinPath != "" {
		m.bin = m.cfg.BinPath
		return m.bin, nil
	}
	m.logger.Info("no browser binary specified, downloading default...")
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return "", fmt.Errorf("download browser: %w", err)
	}
	m.bin = path
	return m.bin, nil
}

// Open 启动一个完整初始化的会话。
//
// 窗口大小、Stealth 脚本、资源屏蔽、UA 与弹窗自动处理都在返回前完成；
// 任一步骤失败都会清理已启动的进程并返回错误，不会返回半初始化的会话。
//
// 参数:
//   - ctx: 会话生命周期的上下文
//
// 返回值:
//   - *Session: 会话
//   - error: 启动失败返回错误
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	sess := &Session{id: uuid.NewString()}
	fail := func(err error) (*Session, error) {
		m.stats.openFailed.Add(1)
		metrics.BrowserErrorsTotal.WithLabelValues("open", Classify(err)).Inc()
		m.release(sess)
		return nil, err
	}

	bin, err := m.resolveBin()
	if err != nil {
		return fail(err)
	}

	// 针对 Docker/EC2 环境的 Flag 优化
	l := launcher.New().
		Context(ctx).
		Headless(m.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", m.cfg.WindowWidth, m.cfg.WindowHeight)).
		Set("lang", "ru-RU").
		Set("js-flags", "--max_old_space_size=512")
	sess.launcher = l

	var proxyUser, proxyPass string
	if m.cfg.ProxyURL != "" {
		parsed, err := url.Parse(m.cfg.ProxyURL)
		if err != nil {
			return fail(fmt.Errorf("parse proxy url: %w", err))
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return fail(fmt.Errorf("invalid proxy url: %s", m.cfg.ProxyURL))
		}
		l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
	}

	wsURL, err := l.Launch()
	if err != nil {
		return fail(fmt.Errorf("launch browser: %w", err))
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return fail(fmt.Errorf("connect browser: %w", err))
	}
	sess.browser = browser
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	page, err := m.newPage(ctx, browser)
	if err != nil {
		return fail(err)
	}
	sess.page = page
	sess.opened = true

	m.stats.opened.Add(1)
	m.stats.active.Add(1)
	metrics.BrowserSessionsTotal.Inc()
	metrics.BrowserSessionsActive.Inc()
	m.logger.Debug("browser session opened", slog.String("session_id", sess.id), slog.String("bin", bin))
	return sess, nil
}

// OpenWithRetry 按配置的次数尝试打开会话，每次失败后等待固定时间。
func (m *Manager) OpenWithRetry(ctx context.Context) (*Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.OpenAttempts; attempt++ {
		sess, err := m.Open(ctx)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		m.logger.Warn("open browser failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.OpenAttempts),
			slog.String("error", err.Error()))
		if attempt == m.cfg.OpenAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.OpenRetryPause):
		}
	}
	return nil, fmt.Errorf("open browser after %d attempts: %w", m.cfg.OpenAttempts, lastErr)
}

// newPage 创建页面并完成 Stealth、资源屏蔽、UA、视口与弹窗处理的配置。
func (m *Manager) newPage(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	type pageResult struct {
		page *rod.Page
		err  error
	}
	pageResultCh := make(chan pageResult, 1)
	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		pageResultCh <- pageResult{page: page, err: err}
	}()

	pageCreateTimer := time.NewTimer(pageCreateTimeout)
	defer pageCreateTimer.Stop()

	var page *rod.Page
	select {
	case result := <-pageResultCh:
		if result.err != nil {
			return nil, fmt.Errorf("create page failed: %w", result.err)
		}
		page = result.page
	case <-pageCreateTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	stealthDone := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- err
	}()
	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	select {
	case err := <-stealthDone:
		if err != nil {
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	if len(m.cfg.BlockedURLs) > 0 {
		if err := (proto.NetworkSetBlockedURLs{Urls: m.cfg.BlockedURLs}).Call(page); err != nil {
			m.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
		}
	}

	ua := m.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      ua,
		AcceptLanguage: "ru-RU,ru;q=0.9,zh-CN;q=0.8,en;q=0.7",
	}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  m.cfg.WindowWidth,
		Height: m.cfg.WindowHeight,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	// 自动接受 alert/confirm，避免阻塞后续操作
	go page.EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		_ = proto.PageHandleJavaScriptDialog{Accept: true}.Call(page)
	})()

	return page, nil
}

// Navigate 在会话的活动页面打开 URL，使用有界等待。
func (m *Manager) Navigate(ctx context.Context, s *Session, target string) error {
	page, err := s.Page()
	if err != nil {
		return err
	}

	navigateCtx, navigateCancel := context.WithTimeout(ctx, m.cfg.PageLoadTimeout)
	defer navigateCancel()

	navigateErrCh := make(chan error, 1)
	go func() {
		navigateErrCh <- page.Context(navigateCtx).Navigate(target)
	}()

	select {
	case navErr := <-navigateErrCh:
		if navErr != nil {
			m.stats.navFailures.Add(1)
			metrics.BrowserErrorsTotal.WithLabelValues("navigate", Classify(navErr)).Inc()
			return fmt.Errorf("navigate: %w", navErr)
		}
	case <-navigateCtx.Done():
		m.stats.navFailures.Add(1)
		metrics.BrowserErrorsTotal.WithLabelValues("navigate", "timeout").Inc()
		return fmt.Errorf("navigate timeout: %w", navigateCtx.Err())
	}

	m.waitLoad(ctx, page, s.id)
	return nil
}

// Reload 刷新活动页面。
func (m *Manager) Reload(ctx context.Context, s *Session) error {
	page, err := s.Page()
	if err != nil {
		return err
	}

	reloadCtx, cancel := context.WithTimeout(ctx, m.cfg.PageLoadTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- page.Context(reloadCtx).Reload()
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("reload: %w", err)
		}
	case <-reloadCtx.Done():
		return fmt.Errorf("reload timeout: %w", reloadCtx.Err())
	}

	m.waitLoad(ctx, page, s.id)
	return nil
}

func (m *Manager) waitLoad(ctx context.Context, page *rod.Page, sessionID string) {
	loadCtx, loadCancel := context.WithTimeout(ctx, loadWaitTimeout)
	defer loadCancel()
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		m.logger.Debug("WaitLoad failed, continuing anyway",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// Close 关闭会话。
//
// 对已关闭或初始化失败的会话重复调用是安全的；次生错误只记录日志。
func (m *Manager) Close(s *Session) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	wasOpen := s.opened
	m.release(s)
	if wasOpen {
		m.stats.closed.Add(1)
		m.stats.active.Add(-1)
		metrics.BrowserSessionsActive.Dec()
	}
	m.logger.Debug("browser session closed", slog.String("session_id", s.id))
}

// release 释放会话持有的全部资源并清空内部状态。
func (m *Manager) release(s *Session) {
	s.closed.Store(true)
	s.mu.Lock()
	page, browser, l := s.page, s.browser, s.launcher
	s.page, s.browser, s.launcher = nil, nil, nil
	s.opened = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if page != nil {
			_ = page.Close()
		}
		if browser != nil {
			if err := browser.Close(); err != nil {
				m.logger.Debug("browser close failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		m.logger.Warn("browser close timeout, killing process", slog.String("session_id", s.id))
	}

	if l != nil {
		l.Kill()
		l.Cleanup()
	}
}

// Restart 关闭旧会话并打开新会话，可选地导航到指定 URL。
func (m *Manager) Restart(ctx context.Context, s *Session, startURL string) (*Session, error) {
	m.Close(s)
	ns, err := m.Open(ctx)
	if err != nil {
		return nil, err
	}
	if startURL != "" {
		if err := m.Navigate(ctx, ns, startURL); err != nil {
			m.Close(ns)
			return nil, err
		}
	}
	return ns, nil
}
