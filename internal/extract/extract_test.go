package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"ozon1688/internal/config"
	"ozon1688/internal/currency"

	"github.com/shopspring/decimal"
)

const ozonFixture = `<html><head><title>Товар</title>
<script>window.__state = {"productId": "987654"}</script></head><body>
<div data-widget="webProductHeading"><h1>  Термокружка   стальная 500 мл </h1></div>
<div data-widget="webPrice">
  <div><span>1&#8201;299 ₽</span><span>с Ozon Картой</span></div>
  <div><span class="yl8_28">1&#8201;999 ₽</span></div>
</div>
<div data-widget="webGallery">
  <img src="https://ir.ozone.ru/s3/multimedia-1/wc50/6001.jpg">
  <img src="https://ir.ozone.ru/s3/multimedia-1/wc1000/6001.jpg">
  <img src="https://ir.ozone.ru/s3/video-1/preview.jpg">
  <img src="data:image/png;base64,AAAA">
  <img src="https://ir.ozone.ru/s3/multimedia-2/wc1000/6002.jpg">
</div>
<div id="section-characteristics">
  <dl><dt>Вес товара, г</dt><dd>350</dd></dl>
  <dl><dt>Размеры, мм</dt><dd>90x90x210</dd></dl>
  <dl><dt>Бренд</dt><dd>Thermos</dd></dl>
  <dl><dt>Лишний</dt><dt>Ключ</dt><dd>Значение</dd></dl>
</div>
</body></html>`

const alibabaFixture = `<html><body>
<div class="normalcommon-offer-card">
  <div class="img" style="background-image: url(&quot;//cbu01.alicdn.com/img/a1.jpg&quot;)"></div>
  <div class="mojar-element-title"><a href="//detail.1688.com/offer/111.html?spm=abc"><div class="title">不锈钢保温杯 500ml</div></a></div>
  <div class="mojar-element-price"><div class="price">¥14.28</div><div class="count">成交3万+件</div></div>
  <div class="mojar-element-company"><div class="company-name">义乌某某日用品厂</div></div>
  <div class="credit-tag">5年</div>
  <div class="shop-repurchase-rate">复购率 38%</div>
</div>
<div class="normalcommon-offer-card">
  <div class="mojar-element-title"><div class="title">没有链接的卡片</div></div>
  <div class="mojar-element-price"><div class="price">¥9.90</div></div>
</div>
<div class="normalcommon-offer-card">
  <a href="https://detail.1688.com/offer/222.html"><img src="https://cbu01.alicdn.com/img/b2.jpg"></a>
  <div class="mojar-element-price"><span class="showPrice">￥7.14起</span></div>
</div>
<div class="normalcommon-offer-card">
  <div class="mojar-element-title"><a href="https://detail.1688.com/offer/333.html"><div class="title">第三个</div></a></div>
  <div>批发价 ¥ 71.40</div>
</div>
</body></html>`

func testConverter() *currency.Converter {
	return currency.NewConverter(85, 7.14)
}

func TestIsOzonURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"product", "https://www.ozon.ru/product/termokruzhka-987654/", true},
		{"bare_host", "https://ozon.ru/product/x-1/", true},
		{"belarus", "https://oz.by/product/x-1/", true},
		{"http_scheme", "http://www.ozon.ru/product/x-1/", true},
		{"lookalike", "https://notozon.ru/product/x-1/", false},
		{"other_site", "https://www.1688.com/", false},
		{"no_scheme", "www.ozon.ru/product/x-1/", false},
		{"ftp", "ftp://ozon.ru/x", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOzonURL(tt.input); got != tt.expected {
				t.Errorf("IsOzonURL(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSameHost(t *testing.T) {
	target := "https://www.1688.com/"
	tests := []struct {
		name    string
		current string
		want    bool
	}{
		{name: "home page", current: "https://www.1688.com/", want: true},
		{name: "deeper path", current: "https://www.1688.com/huo/index.html?spm=a", want: true},
		{name: "upper case host", current: "https://WWW.1688.COM/", want: true},
		{name: "blank tab", current: "about:blank", want: false},
		{name: "search results subdomain", current: "https://s.1688.com/youyuan/index.htm", want: false},
		{name: "other site", current: "https://www.ozon.ru/", want: false},
		{name: "empty", current: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameHost(tt.current, target); got != tt.want {
				t.Errorf("sameHost(%q) = %v, want %v", tt.current, got, tt.want)
			}
		})
	}
}

func TestNormalizeOzonURL(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{"strip_query", "https://www.ozon.ru/product/x-1/?asb=abc&sh=1", "https://www.ozon.ru/product/x-1/", false},
		{"strip_fragment", "https://www.ozon.ru/product/x-1/#reviews", "https://www.ozon.ru/product/x-1/", false},
		{"upgrade_scheme", "  http://WWW.OZON.RU/product/x-1/ ", "https://www.ozon.ru/product/x-1/", false},
		{"invalid", "https://example.com/product/x-1/", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOzonURL(tt.input)
			if tt.expectErr {
				if !errors.Is(err, ErrInvalidURL) {
					t.Fatalf("expected ErrInvalidURL, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("NormalizeOzonURL(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseRubles(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  int64
		expectErr bool
	}{
		{"thin_space", "1 299 ₽", 1299, false},
		{"nbsp", "12 500 ₽", 12500, false},
		{"plain", "499₽", 499, false},
		{"no_digits", "₽", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRubles(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for %q, got %d", tt.input, got)
				}
				return
			}
			if err != nil || got != tt.expected {
				t.Errorf("parseRubles(%q) = %d, %v; expected %d", tt.input, got, err, tt.expected)
			}
		})
	}
}

func TestParseYuan(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{"symbol", "¥14.28", "14.28", false},
		{"fullwidth_symbol", "￥7.14起", "7.14", false},
		{"symbol_space", "批发价 ¥ 71.40", "71.4", false},
		{"no_symbol", "3.80起", "3.8", false},
		{"comma_decimal", "12,50", "12.5", false},
		{"range", "¥12.5 ~ ¥15", "12.5", false},
		{"only_symbol", "¥", "", true},
		{"no_digits", "面议", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseYuan(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for %q, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.input, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("parseYuan(%q) = %s, expected %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseGrams(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		ok       bool
	}{
		{"350", 350, true},
		{"1 200 г", 1200, true},
		{"0,5", 0.5, true},
		{"нет", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseGrams(tt.input)
		if ok != tt.ok || got != tt.expected {
			t.Errorf("parseGrams(%q) = %v, %v; expected %v, %v", tt.input, got, ok, tt.expected, tt.ok)
		}
	}
}

func TestParseSource(t *testing.T) {
	rec, err := ParseSource(ozonFixture, "https://www.ozon.ru/product/termokruzhka-stalnaya-987654/?sh=xyz")
	if err != nil {
		t.Fatalf("ParseSource error: %v", err)
	}

	if rec.ExternalID != "termokruzhka-stalnaya-987654" {
		t.Errorf("ExternalID = %q", rec.ExternalID)
	}
	if rec.URL != "https://www.ozon.ru/product/termokruzhka-stalnaya-987654/" {
		t.Errorf("URL = %q", rec.URL)
	}
	if rec.Name != "Термокружка стальная 500 мл" {
		t.Errorf("Name = %q", rec.Name)
	}
	if rec.PriceCurrent != 1299 {
		t.Errorf("PriceCurrent = %d, want 1299", rec.PriceCurrent)
	}
	if rec.PriceOriginal == nil || *rec.PriceOriginal != 1999 {
		t.Errorf("PriceOriginal = %v, want 1999", rec.PriceOriginal)
	}

	wantImages := []string{
		"https://ir.ozone.ru/s3/multimedia-1/wc1000/6001.jpg",
		"https://ir.ozone.ru/s3/multimedia-2/wc1000/6002.jpg",
	}
	if len(rec.Images) != len(wantImages) {
		t.Fatalf("Images = %v, want %v", rec.Images, wantImages)
	}
	for i := range wantImages {
		if rec.Images[i] != wantImages[i] {
			t.Errorf("Images[%d] = %q, want %q", i, rec.Images[i], wantImages[i])
		}
	}
	if rec.PrimaryImage() != wantImages[0] {
		t.Errorf("PrimaryImage = %q", rec.PrimaryImage())
	}

	attrs := rec.Attributes.Data()
	if attrs["Бренд"] != "Thermos" {
		t.Errorf("Бренд = %q", attrs["Бренд"])
	}
	if _, ok := attrs["Ключ"]; ok {
		t.Error("mismatched dt/dd group must be skipped")
	}
	if rec.WeightGrams == nil || *rec.WeightGrams != 350 {
		t.Errorf("WeightGrams = %v, want 350", rec.WeightGrams)
	}
	if rec.Dimensions != "90x90x210" {
		t.Errorf("Dimensions = %q", rec.Dimensions)
	}
}

func TestParseSourceFallbacks(t *testing.T) {
	html := `<html><head><script>var x = {"productId": 555}</script></head><body>
<h1>Просто товар</h1>
<div data-widget="webPrice"><span>799 ₽</span></div>
<section><h2>Характеристики</h2><dl><dt>Цвет</dt><dd>Красный</dd></dl></section>
</body></html>`

	rec, err := ParseSource(html, "https://www.ozon.ru/search/")
	if err != nil {
		t.Fatalf("ParseSource error: %v", err)
	}
	if rec.ExternalID != "555" {
		t.Errorf("ExternalID = %q, want id from inline script", rec.ExternalID)
	}
	if rec.Name != "Просто товар" || rec.PriceCurrent != 799 {
		t.Errorf("got name=%q price=%d", rec.Name, rec.PriceCurrent)
	}
	if rec.PriceOriginal != nil {
		t.Errorf("PriceOriginal = %v, want nil", *rec.PriceOriginal)
	}
	if rec.Attributes.Data()["Цвет"] != "Красный" {
		t.Errorf("attributes = %v", rec.Attributes.Data())
	}
	if rec.WeightGrams != nil {
		t.Errorf("WeightGrams = %v, want nil", *rec.WeightGrams)
	}
}

func TestParseSourceMissingFields(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{"no_name", `<div data-widget="webPrice"><span>799 ₽</span></div>`},
		{"no_price", `<h1>Товар</h1>`},
		{"zero_price", `<h1>Товар</h1><div data-widget="webPrice"><span>0 ₽</span></div>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSource(tt.html, "https://www.ozon.ru/product/x-1/")
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
		})
	}
}

func TestParseCandidates(t *testing.T) {
	cands, err := ParseCandidates(alibabaFixture, 15, testConverter())
	if err != nil {
		t.Fatalf("ParseCandidates error: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3 (card without link skipped)", len(cands))
	}

	first := cands[0]
	if first.URL != "https://detail.1688.com/offer/111.html" {
		t.Errorf("URL = %q", first.URL)
	}
	if first.Title != "不锈钢保温杯 500ml" {
		t.Errorf("Title = %q", first.Title)
	}
	if !first.PriceUSD.Equal(decimal.NewFromInt(2)) {
		t.Errorf("PriceUSD = %s, want 2", first.PriceUSD)
	}
	if first.PriceRaw != "¥14.28" {
		t.Errorf("PriceRaw = %q", first.PriceRaw)
	}
	if first.ImageURL != "https://cbu01.alicdn.com/img/a1.jpg" {
		t.Errorf("ImageURL = %q", first.ImageURL)
	}
	if first.CompanyName != "义乌某某日用品厂" || first.ShopYears != "5年" || first.Sales != "成交3万+件" {
		t.Errorf("seller fields = %+v", first)
	}
	if !strings.Contains(first.RepurchaseRate, "38%") {
		t.Errorf("RepurchaseRate = %q", first.RepurchaseRate)
	}

	second := cands[1]
	if second.Title != defaultCandidateTitle {
		t.Errorf("Title = %q, want default", second.Title)
	}
	if !second.PriceUSD.Equal(decimal.NewFromInt(1)) {
		t.Errorf("PriceUSD = %s, want 1", second.PriceUSD)
	}
	if second.ImageURL != "https://cbu01.alicdn.com/img/b2.jpg" {
		t.Errorf("ImageURL = %q", second.ImageURL)
	}

	if !cands[2].PriceUSD.Equal(decimal.NewFromInt(10)) {
		t.Errorf("text fallback PriceUSD = %s, want 10", cands[2].PriceUSD)
	}
}

func TestParseCandidatesLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		b.WriteString(`<div class="normalcommon-offer-card"><div class="mojar-element-title"><a href="https://detail.1688.com/offer/`)
		b.WriteString(strings.Repeat("9", i+1))
		b.WriteString(`.html"><div class="title">t</div></a></div></div>`)
	}
	b.WriteString("</body></html>")

	cands, err := ParseCandidates(b.String(), 15, testConverter())
	if err != nil {
		t.Fatalf("ParseCandidates error: %v", err)
	}
	if len(cands) != 15 {
		t.Fatalf("got %d candidates, want 15", len(cands))
	}
	if cands[0].URL != "https://detail.1688.com/offer/9.html" {
		t.Errorf("page order not preserved: %q", cands[0].URL)
	}
}

func TestDownloadImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer srv.Close()

	d := NewDriver(nil, config.SearchConfig{}, testConverter(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.tempDir = t.TempDir()

	p, err := d.downloadImage(context.Background(), srv.URL+"/img/photo.webp")
	if err != nil {
		t.Fatalf("downloadImage error: %v", err)
	}
	if !strings.HasSuffix(p, ".webp") {
		t.Errorf("temp file %q should keep extension", p)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "fake-jpeg-bytes" {
		t.Fatalf("temp file content = %q, %v", data, err)
	}

	if _, err := d.downloadImage(context.Background(), srv.URL+"/missing.jpg"); err == nil {
		t.Error("expected error for 404 image")
	}
	if _, err := d.downloadImage(context.Background(), "file:///etc/passwd"); err == nil {
		t.Error("expected error for non-http image url")
	}
}
