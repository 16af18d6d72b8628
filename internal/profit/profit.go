// Package profit 计算 Ozon 售价与 1688 采购价之间的利润。
package profit

import (
	"errors"
	"fmt"

	"ozon1688/internal/config"
	"ozon1688/internal/currency"

	"github.com/shopspring/decimal"
)

var (
	// ErrZeroSellingPrice 表示售价换算后为零，无法计算利润率。
	ErrZeroSellingPrice = errors.New("selling price is zero")
	// ErrNegativePrice 表示输入价格为负数。
	ErrNegativePrice = errors.New("negative price")
)

// Policy 利润计算的费率配置（金额单位：美元）。
type Policy struct {
	CommissionRate decimal.Decimal // 平台佣金比例
	TaxRate        decimal.Decimal // 税费比例
	DeliveryPerKg  decimal.Decimal // 每公斤运费
	Packaging      decimal.Decimal // 固定包装费
	AgentRate      decimal.Decimal // 代理佣金比例（按采购价）
}

// DefaultPolicy 返回默认费率。
func DefaultPolicy() Policy {
	return Policy{
		CommissionRate: decimal.RequireFromString("0.27"),
		TaxRate:        decimal.RequireFromString("0.07"),
		DeliveryPerKg:  decimal.RequireFromString("1.7"),
		Packaging:      decimal.RequireFromString("0.10"),
		AgentRate:      decimal.RequireFromString("0.05"),
	}
}

// PolicyFromConfig 由配置构建费率。
func PolicyFromConfig(cfg config.PricingConfig) Policy {
	return Policy{
		CommissionRate: decimal.NewFromFloat(cfg.CommissionRate),
		TaxRate:        decimal.NewFromFloat(cfg.TaxRate),
		DeliveryPerKg:  decimal.NewFromFloat(cfg.DeliveryPerKg),
		Packaging:      decimal.NewFromFloat(cfg.Packaging),
		AgentRate:      decimal.NewFromFloat(cfg.AgentRate),
	}
}

// NewFromConfig 由配置创建计算器（费率与汇率）。
func NewFromConfig(cfg config.PricingConfig) *Calculator {
	return NewCalculator(PolicyFromConfig(cfg), currency.NewConverter(cfg.RUBPerUSD, cfg.CNYPerUSD))
}

// Input 一次计算的输入。
type Input struct {
	SellingPrice    decimal.Decimal // 售价（源货币）
	SellingCurrency currency.Code   // 售价货币，空值视为卢布
	PurchasePrice   decimal.Decimal // 采购价（美元）
	WeightGrams     *float64        // 重量（克），未知时运费为 0
}

// Breakdown 计算结果，全部金额保留两位小数。
type Breakdown struct {
	SellingPrice    decimal.Decimal
	PurchasePrice   decimal.Decimal
	Commission      decimal.Decimal
	Taxes           decimal.Decimal
	Delivery        decimal.Decimal
	Packaging       decimal.Decimal
	AgentCommission decimal.Decimal
	Profit          decimal.Decimal
	MarginPercent   decimal.Decimal
}

// Calculator 按固定费率计算利润，无副作用。
type Calculator struct {
	policy    Policy
	converter *currency.Converter
}

// NewCalculator 创建利润计算器。
//
// 参数:
//   - policy: 费率配置
//   - converter: 售价换算器
//
// 返回值:
//   - *Calculator: 计算器实例
func NewCalculator(policy Policy, converter *currency.Converter) *Calculator {
	if converter == nil {
		converter = currency.NewConverter(0, 0)
	}
	return &Calculator{policy: policy, converter: converter}
}

// Calculate 计算利润明细。
//
// 顺序：售价换算为美元；佣金 = 售价 × 佣金比例；税费 = 售价 × 税率；
// 运费 = 每公斤运费 × 公斤数；包装费固定；代理佣金 = 采购价 × 代理比例；
// 利润 = 售价 - 采购价 - 以上各项；利润率 = 利润 / 售价 × 100。
//
// 返回值:
//   - Breakdown: 计算明细
//   - error: 售价为零时返回 ErrZeroSellingPrice，价格为负时返回 ErrNegativePrice
func (c *Calculator) Calculate(in Input) (Breakdown, error) {
	if in.SellingPrice.IsNegative() || in.PurchasePrice.IsNegative() {
		return Breakdown{}, ErrNegativePrice
	}
	code := in.SellingCurrency
	if code == "" {
		code = currency.RUB
	}
	selling, err := c.converter.ToUSD(in.SellingPrice, code)
	if err != nil {
		return Breakdown{}, fmt.Errorf("convert selling price: %w", err)
	}
	if selling.IsZero() {
		return Breakdown{}, ErrZeroSellingPrice
	}

	purchase := in.PurchasePrice
	commission := selling.Mul(c.policy.CommissionRate)
	taxes := selling.Mul(c.policy.TaxRate)
	delivery := decimal.Zero
	if in.WeightGrams != nil && *in.WeightGrams > 0 {
		kg := decimal.NewFromFloat(*in.WeightGrams).Div(decimal.NewFromInt(1000))
		delivery = c.policy.DeliveryPerKg.Mul(kg)
	}
	packaging := c.policy.Packaging
	agent := purchase.Mul(c.policy.AgentRate)

	profit := selling.Sub(purchase).Sub(commission).Sub(taxes).Sub(delivery).Sub(packaging).Sub(agent)
	margin := profit.Div(selling).Mul(decimal.NewFromInt(100))

	return Breakdown{
		SellingPrice:    selling.Round(2),
		PurchasePrice:   purchase.Round(2),
		Commission:      commission.Round(2),
		Taxes:           taxes.Round(2),
		Delivery:        delivery.Round(2),
		Packaging:       packaging.Round(2),
		AgentCommission: agent.Round(2),
		Profit:          profit.Round(2),
		MarginPercent:   margin.Round(2),
	}, nil
}
