package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL 表示链接不是 Ozon 商品链接。
var ErrInvalidURL = errors.New("invalid ozon url")

var (
	ozonHosts   = []string{"ozon.ru", "oz.by"}
	productIDRe = regexp.MustCompile(`/product/([^/?#]+)`)
)

// IsOzonURL 判断链接是否属于 Ozon（ozon.ru 及其子域名，或 oz.by）。
func IsOzonURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range ozonHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// NormalizeOzonURL 校验并规范化 Ozon 商品链接。
//
// 它会去掉查询参数和片段，统一使用 https，保证同一商品只有一种写法，
// 去重和 upsert 都依赖这个形式。
//
// 参数:
//   - raw: 用户提交的原始链接
//
// 返回值:
//   - string: 规范化后的链接
//   - error: 非 Ozon 链接返回 ErrInvalidURL
func NormalizeOzonURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !IsOzonURL(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, _ := url.Parse(raw)
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// ProductIDFromURL 从 /product/<slug> 路径中提取商品标识。
func ProductIDFromURL(raw string) string {
	if m := productIDRe.FindStringSubmatch(raw); len(m) > 1 {
		return m[1]
	}
	return ""
}

// absoluteURL 将相对或协议省略的链接补全为完整 URL，并去掉查询参数。
func absoluteURL(u, base string) string {
	u = strings.TrimSpace(u)
	if u == "" || u == "#" || strings.HasPrefix(u, "javascript:") {
		return ""
	}
	switch {
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
	case strings.HasPrefix(u, "//"):
		u = "https:" + u
	case strings.HasPrefix(u, "/"):
		u = base + u
	default:
		u = base + "/" + u
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}
