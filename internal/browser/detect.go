package browser

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// 页面检测关键词
var (
	blockedHints = []string{
		"cloudflare",
		"attention required",
		"verify you are human",
		"access denied",
		"just a moment",
		"checking your browser",
		"challenge-platform",
		"recaptcha",
		"hcaptcha",
		"captcha",
		"403 forbidden",
		"429 too many requests",
		"too many requests",
		"err_connection",
		"err_proxy",
		"proxy error",
		// 1688 / 淘宝滑块验证
		"punish",
		"nocaptcha",
		"baxia",
		"请拖动下方滑块",
		"访问被拒绝",
		// Ozon 反爬页面
		"antibot",
		"доступ ограничен",
		"подтвердите, что вы не робот",
	}
	captchaSelectors = `[class*="captcha"], [id*="captcha"], .g-recaptcha, .h-captcha, #nc_1_wrapper, .nc-container, #baxia-dialog-content, iframe[src*="punish"]`
)

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// bodyText 获取页面 body 文本（带超时保护）
func bodyText(page *rod.Page) string {
	body, err := page.Timeout(pageTextCheckTimeout).Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	return text
}

// DetectBlockType 根据页面标题和 HTML 判断拦截类型，未拦截返回空字符串。
//
// 参数:
//   - title: 页面标题
//   - html: 页面 HTML
//
// 返回值:
//   - string: cloudflare_challenge / captcha / 403_forbidden / 429_rate_limited / blank_page / connection_error
func DetectBlockType(title, html string) string {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	if strings.Contains(lowerTitle, "just a moment") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "challenge-platform") ||
		strings.Contains(lowerHTML, `id="challenge-form"`) ||
		strings.Contains(lowerHTML, "turnstile") {
		return "cloudflare_challenge"
	}

	// 人机验证（含 1688 滑块）
	if strings.Contains(lowerHTML, "recaptcha") ||
		strings.Contains(lowerHTML, "hcaptcha") ||
		strings.Contains(lowerHTML, "nocaptcha") ||
		strings.Contains(lowerHTML, "baxia-dialog") ||
		strings.Contains(lowerHTML, "/punish") ||
		strings.Contains(lowerHTML, "verify you are human") ||
		strings.Contains(lowerHTML, "подтвердите, что вы не робот") {
		return "captcha"
	}

	if strings.Contains(lowerTitle, "403") ||
		strings.Contains(lowerTitle, "forbidden") ||
		strings.Contains(lowerTitle, "доступ ограничен") ||
		strings.Contains(lowerHTML, "access denied") {
		return "403_forbidden"
	}

	if strings.Contains(lowerTitle, "429") ||
		strings.Contains(lowerHTML, "too many requests") {
		return "429_rate_limited"
	}

	if title == "" || title == "about:blank" {
		if len(html) < 100 || strings.Contains(html, "<html><head></head><body></body></html>") {
			return "blank_page"
		}
	}

	if strings.Contains(lowerHTML, "err_connection") ||
		strings.Contains(lowerHTML, "err_proxy") ||
		strings.Contains(lowerHTML, "proxy error") {
		return "connection_error"
	}

	return ""
}

// CheckBlocked 检查会话当前页面是否被反爬拦截。
//
// 检测使用独立的短超时，不受任务 context 剩余时间影响。
//
// 返回值:
//   - string: 拦截类型，未拦截时为空
//   - bool: 是否被拦截
func (m *Manager) CheckBlocked(s *Session) (string, bool) {
	page, err := s.Page()
	if err != nil {
		return "", false
	}

	diagCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p := page.Context(diagCtx)

	if has, _, err := p.Has(captchaSelectors); err == nil && has {
		m.logger.Debug("captcha element detected", slog.String("session_id", s.ID()))
		return "captcha", true
	}

	title := ""
	if info, err := p.Info(); err == nil {
		title = info.Title
	}
	html, _ := p.HTML()
	if blockType := DetectBlockType(title, html); blockType != "" {
		m.logger.Debug("blocked page detected",
			slog.String("session_id", s.ID()),
			slog.String("title", title),
			slog.String("block_type", blockType))
		return blockType, true
	}

	text := strings.ToLower(bodyText(p))
	if text != "" && len(text) < 2000 && containsAny(text, blockedHints) {
		return "unknown", true
	}
	return "", false
}

// Classify 将错误归类为 metrics 使用的类型字符串。
//
// 返回值:
//   - string: timeout / blocked / network / parse / unknown
func Classify(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	if errors.Is(err, ErrBlocked) {
		return "blocked"
	}

	msg := strings.ToLower(err.Error())
	blockedKeywords := []string{
		"blocked_page", "captcha", "cloudflare", "access denied",
		"403", "429", "forbidden", "too many requests",
	}
	if containsAny(msg, blockedKeywords) {
		return "blocked"
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "timeout"
	}
	if containsAny(msg, []string{"net::", "connection", "navigate", "launch", "connect browser"}) {
		return "network"
	}
	if strings.Contains(msg, "parse") || strings.Contains(msg, "extract") || strings.Contains(msg, "missing") {
		return "parse"
	}
	return "unknown"
}
