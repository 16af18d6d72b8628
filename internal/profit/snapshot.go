package profit

import (
	"errors"

	"ozon1688/internal/currency"
	"ozon1688/internal/model"

	"github.com/shopspring/decimal"
)

// ErrIncompleteMatch 表示匹配缺少源商品或候选商品。
var ErrIncompleteMatch = errors.New("match has no source or candidate")

// Snapshot 根据匹配生成利润快照。
//
// 售价取源商品当前价格（卢布），采购价取候选商品美元价，重量取匹配时复制的重量。
//
// 参数:
//   - m: 已加载 Source 与 Candidate 的匹配
//
// 返回值:
//   - *model.ProfitabilityRecord: 未保存的快照（MatchID 已填写）
//   - error: 售价为零返回 ErrZeroSellingPrice；匹配不完整返回 ErrIncompleteMatch
func (c *Calculator) Snapshot(m *model.Match) (*model.ProfitabilityRecord, error) {
	if m == nil || m.Source.ExternalID == "" || m.Candidate.URL == "" {
		return nil, ErrIncompleteMatch
	}

	b, err := c.Calculate(Input{
		SellingPrice:    decimal.NewFromInt(m.Source.PriceCurrent),
		SellingCurrency: currency.RUB,
		PurchasePrice:   m.Candidate.PriceUSD,
		WeightGrams:     m.WeightGrams,
	})
	if err != nil {
		return nil, err
	}

	return &model.ProfitabilityRecord{
		MatchID:         m.ID,
		SellingPrice:    b.SellingPrice,
		PurchasePrice:   b.PurchasePrice,
		Commission:      b.Commission,
		Taxes:           b.Taxes,
		Delivery:        b.Delivery,
		Packaging:       b.Packaging,
		AgentCommission: b.AgentCommission,
		Profit:          b.Profit,
		MarginPercent:   b.MarginPercent,
		WeightGrams:     m.WeightGrams,
		Dimensions:      m.Dimensions,
		SourceName:      m.Source.Name,
		CandidateName:   m.Candidate.Title,
		SourceURL:       m.Source.URL,
		CandidateURL:    m.Candidate.URL,
	}, nil
}
