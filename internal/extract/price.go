package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

var (
	nonDigitRe      = regexp.MustCompile(`\D+`)
	numberRe        = regexp.MustCompile(`[0-9]+(?:[.,][0-9]+)?`)
	yuanWithValueRe = regexp.MustCompile(`¥\s*([0-9]+(?:\.[0-9]+)?)`)
)

// cleanText 做 NFKC 归一化并压缩空白（全角符号、窄空格等统一处理）。
func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// parseRubles 将 Ozon 价格文本转换为整数卢布。
//
// Ozon 价格使用窄空格作为千位分隔符（如 "1 299 ₽"），只保留数字。
//
// 参数:
//   - txt: 原始价格文本
//
// 返回值:
//   - int64: 卢布金额
//   - error: 没有数字时返回错误
func parseRubles(txt string) (int64, error) {
	digits := nonDigitRe.ReplaceAllString(norm.NFKC.String(txt), "")
	if digits == "" {
		return 0, fmt.Errorf("no digits in %q", txt)
	}
	return strconv.ParseInt(digits, 10, 64)
}

// parseYuan 从 1688 价格文本中解析人民币金额。
//
// 优先匹配 "¥ 12.50" 形式，否则取第一个数字（"3.80起" 之类）。
func parseYuan(txt string) (decimal.Decimal, error) {
	txt = norm.NFKC.String(txt)
	if m := yuanWithValueRe.FindStringSubmatch(txt); len(m) > 1 {
		if v, err := decimal.NewFromString(m[1]); err == nil {
			return v, nil
		}
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(txt, "¥", ""))
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}
	match := numberRe.FindString(cleaned)
	if match == "" {
		return decimal.Zero, fmt.Errorf("no digits")
	}
	return decimal.NewFromString(strings.ReplaceAll(match, ",", "."))
}

// parseGrams 解析重量值（可能带逗号小数和单位）。
func parseGrams(txt string) (float64, bool) {
	compact := strings.ReplaceAll(norm.NFKC.String(txt), " ", "")
	match := numberRe.FindString(compact)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", "."), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
