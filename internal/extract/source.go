package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"ozon1688/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ErrMissingField 表示页面缺少必需字段。
var ErrMissingField = errors.New("missing required field")

// 特征中的重量与尺寸键名
const (
	weightAttribute     = "Вес товара, г"
	dimensionsAttribute = "Размеры, мм"
)

var (
	nameSelectors = []string{
		"div[data-widget='webProductHeading'] h1",
		"h1.lz6_28",
		"h1.tsHeadline550Medium",
	}
	currentPriceSelectors = []string{
		"div[data-widget='webPrice'] span.l5y_28",
		"div[data-widget='webPrice'] span.l5y_28.yl3_28",
		"div[data-widget='webPrice'] div.l1z_28 span.lz_28",
	}
	originalPriceSelectors = []string{
		"div[data-widget='webPrice'] span.yl9_28.lz0_28.yl8_28.y9l_28",
		"div[data-widget='webPrice'] span.yl9_28.y9l_28",
		"div[data-widget='webPrice'] span.yl8_28",
		"div[data-widget='webPrice'] s",
		"div[data-widget='webPrice'] del",
	}
	imageSelectors = []string{
		"div[data-widget='webGallery'] img",
		".z9j_28",
		".k1o_28 img",
	}
	scriptProductIDRe = regexp.MustCompile(`"productId":\s*"?(\d+)"?`)
)

// ParseSource 从 Ozon 商品页 HTML 中解析源商品快照。
//
// 参数:
//   - html: 页面 HTML
//   - pageURL: 页面当前 URL（用于提取商品 ID）
//
// 返回值:
//   - *model.SourceRecord: 源商品快照（未持久化）
//   - error: 缺少名称或价格时返回包装的 ErrMissingField
func ParseSource(html, pageURL string) (*model.SourceRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	rec := &model.SourceRecord{
		ExternalID: productID(doc, pageURL),
		Name:       productName(doc),
	}
	if normalized, err := NormalizeOzonURL(pageURL); err == nil {
		rec.URL = normalized
	} else {
		rec.URL = pageURL
	}

	if rec.Name == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingField)
	}
	rec.PriceCurrent = currentPrice(doc)
	if rec.PriceCurrent <= 0 {
		return nil, fmt.Errorf("%w: price", ErrMissingField)
	}
	rec.PriceOriginal = originalPrice(doc, rec.PriceCurrent)
	rec.Images = datatypes.JSONSlice[string](productImages(doc))

	attrs := characteristics(doc)
	rec.Attributes = datatypes.NewJSONType(attrs)
	if raw, ok := attrs[weightAttribute]; ok {
		if grams, ok := parseGrams(raw); ok {
			rec.WeightGrams = &grams
		}
	}
	rec.Dimensions = attrs[dimensionsAttribute]
	return rec, nil
}

// productID 依次尝试 URL、内联脚本，最后生成随机 ID。
func productID(doc *goquery.Document, pageURL string) string {
	if id := ProductIDFromURL(pageURL); id != "" {
		return id
	}
	var id string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := scriptProductIDRe.FindStringSubmatch(s.Text()); len(m) > 1 {
			id = m[1]
			return false
		}
		return true
	})
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func productName(doc *goquery.Document) string {
	for _, sel := range nameSelectors {
		if name := cleanText(doc.Find(sel).First().Text()); name != "" {
			return name
		}
	}
	return cleanText(doc.Find("h1").First().Text())
}

func currentPrice(doc *goquery.Document) int64 {
	for _, sel := range currentPriceSelectors {
		if txt := doc.Find(sel).First().Text(); txt != "" {
			if v, err := parseRubles(txt); err == nil && v > 0 {
				return v
			}
		}
	}
	// 兜底：价格组件中第一个带 ₽ 的叶子 span
	var price int64
	doc.Find("[data-widget='webPrice'] span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		txt := s.Text()
		if !strings.Contains(txt, "₽") {
			return true
		}
		if v, err := parseRubles(txt); err == nil && v > 0 {
			price = v
			return false
		}
		return true
	})
	return price
}

// originalPrice 返回划线价，只有高于现价时才有效。
func originalPrice(doc *goquery.Document, current int64) *int64 {
	for _, sel := range originalPriceSelectors {
		txt := doc.Find(sel).First().Text()
		if txt == "" {
			continue
		}
		if v, err := parseRubles(txt); err == nil && v > current {
			return &v
		}
	}
	return nil
}

func productImages(doc *goquery.Document) []string {
	var nodes *goquery.Selection
	for _, sel := range imageSelectors {
		nodes = doc.Find(sel)
		if nodes.Length() > 0 {
			break
		}
	}

	images := make([]string, 0, nodes.Length())
	seen := make(map[string]struct{})
	nodes.Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if !strings.HasPrefix(src, "http") || strings.Contains(strings.ToLower(src), "video") {
			return
		}
		// 缩略图换成大图
		src = strings.Replace(src, "wc50", "wc1000", 1)
		if _, ok := seen[src]; ok {
			return
		}
		seen[src] = struct{}{}
		images = append(images, src)
	})
	return images
}

func characteristics(doc *goquery.Document) map[string]string {
	groups := doc.Find("#section-characteristics dl")
	if groups.Length() == 0 {
		doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
			if strings.Contains(h.Text(), "Характеристики") {
				groups = h.Parent().Find("dl")
				return false
			}
			return true
		})
	}

	attrs := make(map[string]string)
	groups.Each(func(_ int, dl *goquery.Selection) {
		terms := dl.Find("dt")
		defs := dl.Find("dd")
		if terms.Length() != defs.Length() {
			return
		}
		terms.Each(func(i int, dt *goquery.Selection) {
			key := cleanText(dt.Text())
			value := cleanText(defs.Eq(i).Text())
			if key != "" && value != "" {
				attrs[key] = value
			}
		})
	})
	return attrs
}
