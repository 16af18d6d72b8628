package browser

import (
	"context"
	"log/slog"
	"time"
)

// 常见遮罩与弹窗的关闭按钮
var overlayCloseSelectors = []string{
	".overlay-close",
	".next-dialog-close",
	".login-dialog-wrap .close",
	"#MIDDLEWARE_FRAME_CLOSE",
	"[class*='dialog'] [class*='close']",
	"[class*='popup'] [class*='close']",
	"[class*='modal'] [class*='close']",
	"button[aria-label='Close']",
	"button[aria-label='Закрыть']",
	"[data-widget='cookieBubble'] button",
}

// DismissOverlays 尝试关闭页面上的遮罩层和弹窗。
//
// 尽力而为：任何失败都只记录日志，返回关闭的元素个数。
func (m *Manager) DismissOverlays(ctx context.Context, s *Session) int {
	page, err := s.Page()
	if err != nil {
		return 0
	}

	dismissCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p := page.Context(dismissCtx)

	closed := 0
	for _, sel := range overlayCloseSelectors {
		has, el, err := p.Has(sel)
		if err != nil || !has {
			continue
		}
		if visible, _ := el.Visible(); !visible {
			continue
		}
		if err := el.Click("left", 1); err != nil {
			m.logger.Debug("dismiss overlay failed",
				slog.String("selector", sel),
				slog.String("error", err.Error()))
			continue
		}
		closed++
	}

	// 兜底：移除中间件遮罩 iframe
	_, _ = p.Eval(`() => {
		document.querySelectorAll('#MIDDLEWARE_FRAME, .MIDDLEWARE_FRAME, .mask, .overlay').forEach(e => e.remove());
	}`)
	if closed > 0 {
		m.logger.Debug("overlays dismissed", slog.String("session_id", s.ID()), slog.Int("count", closed))
	}
	return closed
}
