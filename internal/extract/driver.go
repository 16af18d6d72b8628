package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"ozon1688/internal/browser"
	"ozon1688/internal/config"
	"ozon1688/internal/currency"
	"ozon1688/internal/model"

	"github.com/go-rod/rod"
)

const (
	uploadWaitTimeout  = 5 * time.Second  // 等待上传控件
	maxImageBytes      = 20 << 20         // 图片下载上限
	imageDownloadLimit = 30 * time.Second // 图片下载超时
	pollStep           = time.Second      // 等待结果的轮询间隔
	overlayCheckEvery  = 10               // 每隔多少次轮询清理一次遮罩
	scrollSettle       = 1500 * time.Millisecond
	uploadSelector     = "#img-search-upload"
)

var (
	// ErrNoResults 表示以图搜图没有产出结果页。
	ErrNoResults = errors.New("no search results")

	headingSelector = strings.Join(append(append([]string{}, nameSelectors...), "h1"), ", ")
)

// Driver 基于 go-rod 会话执行页面抽取。
type Driver struct {
	sessions *browser.Manager
	cfg      config.SearchConfig
	conv     *currency.Converter
	client   *http.Client
	tempDir  string
	logger   *slog.Logger
}

// NewDriver 创建页面抽取器。
//
// 参数:
//   - sessions: 浏览器会话管理器（用于导航、遮罩清理、拦截检测）
//   - cfg: 1688 搜索配置
//   - conv: 货币换算器
//   - logger: 日志记录器
//
// 返回值:
//   - *Driver: 页面抽取器
func NewDriver(sessions *browser.Manager, cfg config.SearchConfig, conv *currency.Converter, logger *slog.Logger) *Driver {
	return &Driver{
		sessions: sessions,
		cfg:      cfg,
		conv:     conv,
		client:   &http.Client{Timeout: imageDownloadLimit},
		tempDir:  os.TempDir(),
		logger:   logger,
	}
}

// ExtractSourceRecord 从会话当前打开的 Ozon 商品页抽取源商品快照。
//
// 参数:
//   - ctx: 上下文
//   - s: 已导航到商品页的会话
//
// 返回值:
//   - *model.SourceRecord: 源商品快照
//   - error: 页面被拦截、标题未出现或缺少必需字段时返回错误
func (d *Driver) ExtractSourceRecord(ctx context.Context, s *browser.Session) (*model.SourceRecord, error) {
	page, err := s.Page()
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.sessions.PageLoadTimeout())
	defer cancel()
	if _, err := page.Context(waitCtx).Element(headingSelector); err != nil {
		if blockType, blocked := d.sessions.CheckBlocked(s); blocked {
			return nil, fmt.Errorf("%w: %s", browser.ErrBlocked, blockType)
		}
		return nil, fmt.Errorf("wait product heading: %w", err)
	}

	// 特征区块是懒加载的，先滚动过去
	d.scrollToCharacteristics(ctx, page)

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	pageURL := ""
	if info, err := page.Context(ctx).Info(); err == nil {
		pageURL = info.URL
	}

	rec, err := ParseSource(html, pageURL)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("source record extracted",
		slog.String("external_id", rec.ExternalID),
		slog.Int64("price", rec.PriceCurrent),
		slog.Int("images", len(rec.Images)),
		slog.Int("attributes", len(rec.Attributes.Data())))
	return rec, nil
}

func (d *Driver) scrollToCharacteristics(ctx context.Context, page *rod.Page) {
	_, err := page.Context(ctx).Eval(`() => {
		const el = document.getElementById('section-characteristics');
		if (el) { el.scrollIntoView({block: 'start'}); return true; }
		window.scrollBy(0, 2000);
		return false;
	}`)
	if err != nil {
		d.logger.Debug("scroll to characteristics failed", slog.String("error", err.Error()))
	}
	sleep(ctx, scrollSettle)
}

// SearchByImage 在 1688 上以图搜图。
//
// 主图先下载到临时文件，通过上传控件提交，结束后删除临时文件。
// 结果可能在新标签页打开，此时新页面成为会话的活动页面。
//
// 参数:
//   - ctx: 上下文
//   - s: 会话
//   - imageURL: 源商品主图链接
//
// 返回值:
//   - error: 被拦截返回 browser.ErrBlocked，没有结果返回 ErrNoResults
func (d *Driver) SearchByImage(ctx context.Context, s *browser.Session, imageURL string) error {
	imagePath, err := d.downloadImage(ctx, imageURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("remove temp image failed", slog.String("path", imagePath), slog.String("error", err.Error()))
		}
	}()

	// 重启后的会话已停在 1688 且清理过遮罩，不再重复导航
	if !d.onTarget(s) {
		if err := d.sessions.Navigate(ctx, s, d.cfg.TargetURL); err != nil {
			return err
		}
		d.sessions.DismissOverlays(ctx, s)
	}
	if blockType, blocked := d.sessions.CheckBlocked(s); blocked {
		return fmt.Errorf("%w: %s", browser.ErrBlocked, blockType)
	}

	page, err := s.Page()
	if err != nil {
		return err
	}
	b, err := s.Browser()
	if err != nil {
		return err
	}
	before := pageIDs(b)
	startURL := ""
	if info, err := page.Info(); err == nil {
		startURL = info.URL
	}

	if err := d.upload(ctx, s, page, imagePath); err != nil {
		return err
	}

	if err := d.waitResults(ctx, s, b, before, startURL); err != nil {
		return err
	}

	page, err = s.Page()
	if err != nil {
		return err
	}
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = page.Context(loadCtx).WaitLoad()

	if blockType, blocked := d.sessions.CheckBlocked(s); blocked {
		return fmt.Errorf("%w: %s", browser.ErrBlocked, blockType)
	}
	if has, _, _ := page.Has(ResultSelectors); !has {
		return ErrNoResults
	}
	d.sessions.DismissOverlays(ctx, s)
	return nil
}

// upload 把图片交给上传控件，失败时清理遮罩后再试一次。
func (d *Driver) upload(ctx context.Context, s *browser.Session, page *rod.Page, imagePath string) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		waitCtx, cancel := context.WithTimeout(ctx, uploadWaitTimeout)
		input, err := page.Context(waitCtx).Element(uploadSelector)
		if err == nil {
			err = input.SetFiles([]string{imagePath})
		}
		cancel()
		if err == nil {
			d.logger.Debug("image uploaded for search", slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		d.sessions.DismissOverlays(ctx, s)
	}
	return fmt.Errorf("upload search image: %w", lastErr)
}

// waitResults 等待新标签页、URL 变化或结果卡片出现（有界等待）。
func (d *Driver) waitResults(ctx context.Context, s *browser.Session, b *rod.Browser, before map[string]struct{}, startURL string) error {
	deadline := time.Now().Add(d.cfg.ResultWait)
	for i := 0; time.Now().Before(deadline); i++ {
		if i > 0 && i%overlayCheckEvery == 0 {
			d.sessions.DismissOverlays(ctx, s)
		}

		if pages, err := b.Pages(); err == nil {
			for _, p := range pages {
				if _, ok := before[string(p.TargetID)]; !ok {
					d.logger.Debug("search results opened in new tab", slog.Int("waited_seconds", i))
					s.SwitchPage(p.Context(ctx))
					return nil
				}
			}
		}

		page, err := s.Page()
		if err != nil {
			return err
		}
		if info, err := page.Info(); err == nil && info.URL != startURL && strings.Contains(info.URL, "1688.com") {
			d.logger.Debug("search results loaded in current tab", slog.Int("waited_seconds", i))
			return nil
		}
		if has, _, err := page.Has(ResultSelectors); err == nil && has {
			return nil
		}

		if !sleep(ctx, pollStep) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: timeout after %v", ErrNoResults, d.cfg.ResultWait)
}

// ExtractCandidates 抽取结果页中的候选商品（最多 CandidateLimit 个）。
func (d *Driver) ExtractCandidates(ctx context.Context, s *browser.Session) ([]model.CandidateRecord, error) {
	page, err := s.Page()
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ResultWait)
	defer cancel()
	if _, err := page.Context(waitCtx).Element(CardSelector); err != nil {
		return nil, fmt.Errorf("wait offer cards: %w", err)
	}

	// 触发懒加载
	_, _ = page.Context(ctx).Eval(`() => window.scrollBy(0, 1500)`)
	sleep(ctx, scrollSettle)

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read results html: %w", err)
	}
	cands, err := ParseCandidates(html, d.cfg.CandidateLimit, d.conv)
	if err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}
	d.logger.Debug("candidates extracted", slog.Int("count", len(cands)))
	return cands, nil
}

// downloadImage 下载图片到临时文件，返回文件路径。
func (d *Driver) downloadImage(ctx context.Context, imageURL string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid image url: %q", imageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}

	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 5 {
		ext = ".jpg"
	}
	f, err := os.CreateTemp(d.tempDir, "source-image-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp image: %w", err)
	}
	return f.Name(), nil
}

// onTarget 判断会话当前页面是否已在搜索站点上。
func (d *Driver) onTarget(s *browser.Session) bool {
	page, err := s.Page()
	if err != nil {
		return false
	}
	info, err := page.Info()
	if err != nil {
		return false
	}
	return sameHost(info.URL, d.cfg.TargetURL)
}

// sameHost 比较两个链接的主机名（忽略大小写与端口）。
func sameHost(current, target string) bool {
	cu, err := url.Parse(current)
	if err != nil || cu.Hostname() == "" {
		return false
	}
	tu, err := url.Parse(target)
	if err != nil || tu.Hostname() == "" {
		return false
	}
	return strings.EqualFold(cu.Hostname(), tu.Hostname())
}

func pageIDs(b *rod.Browser) map[string]struct{} {
	ids := make(map[string]struct{})
	if pages, err := b.Pages(); err == nil {
		for _, p := range pages {
			ids[string(p.TargetID)] = struct{}{}
		}
	}
	return ids
}

// sleep 可被 ctx 打断的等待，被打断时返回 false。
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
