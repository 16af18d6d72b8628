package extract

import (
	"regexp"
	"strings"

	"ozon1688/internal/currency"
	"ozon1688/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// 1688 搜索结果卡片
const (
	CardSelector = ".normalcommon-offer-card"
	// ResultSelectors 任一出现即说明结果页已渲染。
	ResultSelectors = ".space-offer-card-box, .space-offer-card, .sm-offer-item, .offer-item, .card-container, .normalcommon-offer-card"

	defaultCandidateTitle = "Без названия"
	alibabaBase           = "https://detail.1688.com"
)

var (
	backgroundURLRe = regexp.MustCompile(`url\(\s*["']?([^"')]+)["']?\s*\)`)
	priceFallbacks  = []string{
		"[class*='showPrice']",
		"[class*='price-current']",
		"[class*='price-discount']",
		"[class*='price-original']",
	}
)

// ParseCandidates 解析 1688 搜索结果页中的候选商品。
//
// 卡片按页面顺序返回（即 1688 自身的排序），没有链接的卡片会被跳过。
//
// 参数:
//   - html: 结果页 HTML
//   - limit: 最多返回的卡片数
//   - conv: 人民币换算美元
//
// 返回值:
//   - []model.CandidateRecord: 候选商品（未持久化）
func ParseCandidates(html string, limit int, conv *currency.Converter) ([]model.CandidateRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var out []model.CandidateRecord
	doc.Find(CardSelector).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		if c, ok := parseCard(card, conv); ok {
			out = append(out, c)
		}
		return true
	})
	return out, nil
}

func parseCard(card *goquery.Selection, conv *currency.Converter) (model.CandidateRecord, bool) {
	href, _ := card.Find(".mojar-element-title a").First().Attr("href")
	if href == "" {
		href, _ = card.Find("a[href]").First().Attr("href")
	}
	link := absoluteURL(href, alibabaBase)
	if link == "" {
		return model.CandidateRecord{}, false
	}

	title := cleanText(card.Find(".mojar-element-title .title").First().Text())
	if title == "" {
		title = defaultCandidateTitle
	}

	c := model.CandidateRecord{
		Title:          title,
		URL:            link,
		CompanyName:    cleanText(card.Find(".mojar-element-company .company-name").First().Text()),
		Sales:          cleanText(card.Find(".mojar-element-price .count").First().Text()),
		ShopYears:      cleanText(card.Find(".credit-tag").First().Text()),
		RepurchaseRate: cleanText(card.Find(".shop-repurchase-rate").First().Text()),
		ImageURL:       cardImage(card),
	}

	raw, amount, ok := cardPrice(card)
	c.PriceRaw = raw
	if ok {
		if usd, err := conv.ToUSD(amount, currency.CNY); err == nil {
			c.PriceUSD = usd
		}
	}
	return c, true
}

// cardImage 从 .img 的 background-image 样式中取图，兜底使用 img src。
func cardImage(card *goquery.Selection) string {
	if style, ok := card.Find(".img").First().Attr("style"); ok {
		if m := backgroundURLRe.FindStringSubmatch(style); len(m) > 1 {
			return absoluteURL(m[1], "https:")
		}
	}
	if src, ok := card.Find("img").First().Attr("src"); ok {
		return absoluteURL(src, "https:")
	}
	return ""
}

// cardPrice 按多种页面结构依次尝试提取价格。
func cardPrice(card *goquery.Selection) (string, decimal.Decimal, bool) {
	try := func(txt string) (string, decimal.Decimal, bool) {
		txt = cleanText(txt)
		if txt == "" {
			return "", decimal.Zero, false
		}
		v, err := parseYuan(txt)
		if err != nil || !v.IsPositive() {
			return "", decimal.Zero, false
		}
		return txt, v, true
	}

	if raw, v, ok := try(card.Find(".mojar-element-price .price").First().Text()); ok {
		return raw, v, true
	}
	for _, sel := range priceFallbacks {
		if raw, v, ok := try(card.Find(sel).First().Text()); ok {
			return raw, v, true
		}
	}
	if data, ok := card.Find("[data-price]").First().Attr("data-price"); ok {
		if raw, v, ok := try(data); ok {
			return raw, v, true
		}
	}
	// 最后在整张卡片文本里找 ¥ 金额
	if m := yuanWithValueRe.FindStringSubmatch(cleanText(card.Text())); len(m) > 1 {
		if v, err := decimal.NewFromString(m[1]); err == nil && v.IsPositive() {
			return m[0], v, true
		}
	}
	return "", decimal.Zero, false
}
