// Package currency 提供卢布、人民币到美元的换算。
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Code 货币代码。
type Code string

const (
	RUB Code = "RUB"
	CNY Code = "CNY"
	USD Code = "USD"
)

// 默认汇率（每 1 美元）
const (
	DefaultRUBPerUSD = 85.0
	DefaultCNYPerUSD = 7.14
)

var (
	// ErrUnknownCurrency 表示不支持的货币代码。
	ErrUnknownCurrency = errors.New("unknown currency")
	// ErrInvalidAmount 表示无法从文本中解析出金额。
	ErrInvalidAmount = errors.New("invalid amount")
)

var markers = []struct {
	code  Code
	marks []string
}{
	{RUB, []string{"руб", "₽", "rub"}},
	{CNY, []string{"¥", "￥", "cny", "元", "yuan"}},
	{USD, []string{"$", "usd"}},
}

// Converter 按固定汇率换算为美元。
type Converter struct {
	rates map[Code]decimal.Decimal
}

// NewConverter 创建换算器。
//
// 参数:
//   - rubPerUSD: 1 美元对应的卢布数（<=0 时使用默认值）
//   - cnyPerUSD: 1 美元对应的人民币数（<=0 时使用默认值）
//
// 返回值:
//   - *Converter: 换算器实例
func NewConverter(rubPerUSD, cnyPerUSD float64) *Converter {
	if rubPerUSD <= 0 {
		rubPerUSD = DefaultRUBPerUSD
	}
	if cnyPerUSD <= 0 {
		cnyPerUSD = DefaultCNYPerUSD
	}
	return &Converter{
		rates: map[Code]decimal.Decimal{
			RUB: decimal.NewFromFloat(rubPerUSD),
			CNY: decimal.NewFromFloat(cnyPerUSD),
			USD: decimal.NewFromInt(1),
		},
	}
}

// ToUSD 将金额换算为美元，保留两位小数。
func (c *Converter) ToUSD(amount decimal.Decimal, code Code) (decimal.Decimal, error) {
	rate, ok := c.rates[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return amount.Div(rate).Round(2), nil
}

// ParseAndConvert 从价格文本中识别货币与金额并换算为美元。
//
// 未识别出货币标记时按人民币处理。
func (c *Converter) ParseAndConvert(text string) (decimal.Decimal, error) {
	amount, err := ParseAmount(text)
	if err != nil {
		return decimal.Zero, err
	}
	return c.ToUSD(amount, Detect(text))
}

// Detect 根据文本中的货币标记判断货币，默认人民币。
func Detect(text string) Code {
	lower := strings.ToLower(text)
	for _, m := range markers {
		for _, mark := range m.marks {
			if strings.Contains(lower, mark) {
				return m.code
			}
		}
	}
	return CNY
}

// ParseAmount 从文本中提取数值。
//
// 只保留数字与分隔符，逗号视为小数点；出现多个小数点时只保留最后一个。
func ParseAmount(text string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, text)
	}
	if strings.Count(cleaned, ".") > 1 {
		last := strings.LastIndex(cleaned, ".")
		cleaned = strings.ReplaceAll(cleaned[:last], ".", "") + cleaned[last:]
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, text)
	}
	return amount, nil
}
