package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Task 表示一个待分析的 Ozon 商品链接。
//
// 任务由前端提交，只有处理器会推进它的状态；重新处理会创建新的 pending 任务。
type Task struct {
	ID        uint      `gorm:"primaryKey"` // 任务唯一标识
	CreatedAt time.Time `gorm:"index"`      // 创建时间（认领排序依据）
	UpdatedAt time.Time // 更新时间（认领时刷新，作为处理中提示）

	UserID       uint   `gorm:"not null;index"`                   // 所属用户 ID
	URL          string `gorm:"type:varchar(512);not null;index"` // 规范化后的 Ozon 商品链接
	Status       Status `gorm:"type:varchar(32);not null;index"`  // 任务状态
	ErrorMessage string `gorm:"type:text"`                        // 失败原因（仅供运维查看）
	ReprocessOf  *uint  `gorm:"index"`                            // 由哪个任务重新处理而来

	Source *SourceRecord `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"` // 源商品快照
}

// SourceRecord 是 Ozon 商品页的结构化快照。
//
// ExternalID 为 Ozon 商品 ID，重复抽取时按它 upsert。
type SourceRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	TaskID        uint                                  `gorm:"not null;index"`                         // 所属任务
	ExternalID    string                                `gorm:"type:varchar(191);uniqueIndex;not null"` // Ozon 商品 ID
	URL           string                                `gorm:"type:varchar(512);not null"`             // 商品链接
	Name          string                                `gorm:"type:varchar(512);not null"`             // 商品名称
	PriceCurrent  int64                                 `gorm:"not null"`                               // 当前价格（卢布）
	PriceOriginal *int64                                // 折扣前价格
	Images        datatypes.JSONSlice[string]           // 图片链接（按页面顺序）
	Attributes    datatypes.JSONType[map[string]string] // 商品特征
	WeightGrams   *float64                              // 重量（克）
	Dimensions    string                                `gorm:"type:varchar(128)"` // 尺寸（毫米）
}

// PrimaryImage 返回第一张图片，没有图片时返回空字符串。
func (s *SourceRecord) PrimaryImage() string {
	if s == nil || len(s.Images) == 0 {
		return ""
	}
	return s.Images[0]
}

// CandidateRecord 是 1688 搜索结果卡片的快照。
type CandidateRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Title          string          `gorm:"type:varchar(512);not null"`
	URL            string          `gorm:"type:varchar(191);uniqueIndex;not null"` // 去掉查询参数的商品链接
	PriceUSD       decimal.Decimal `gorm:"type:decimal(12,2)"`                     // 采购价（美元）
	PriceRaw       string          `gorm:"type:varchar(64)"`                       // 页面原始价格文本
	CompanyName    string          `gorm:"type:varchar(255)"`
	Sales          string          `gorm:"type:varchar(64)"` // 销量估计
	ShopYears      string          `gorm:"type:varchar(64)"` // 店铺年限
	RepurchaseRate string          `gorm:"type:varchar(64)"` // 复购率
	ImageURL       string          `gorm:"type:varchar(1024)"`
}

// 匹配状态
const (
	MatchFound    = "found"
	MatchNotFound = "not_found"
)

// Match 是源商品与候选商品的评分配对。
//
// 重量与尺寸在匹配时从源商品复制，保证利润快照稳定。
type Match struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	SourceRecordID    uint   `gorm:"not null;index"`
	CandidateRecordID uint   `gorm:"not null;index"`
	Score             int    `gorm:"not null"`                  // 相关度 0-100
	Status            string `gorm:"type:varchar(16);not null"` // found / not_found
	Explanation       string `gorm:"type:text"`
	Tier              int    `gorm:"default:0"` // 命中的搜索层级
	WeightGrams       *float64
	Dimensions        string `gorm:"type:varchar(128)"`

	Source        SourceRecord         `gorm:"foreignKey:SourceRecordID"`
	Candidate     CandidateRecord      `gorm:"foreignKey:CandidateRecordID"`
	Profitability *ProfitabilityRecord `gorm:"foreignKey:MatchID;constraint:OnDelete:CASCADE"`
}

// ProfitabilityRecord 是一次利润计算的不可变快照（金额单位：美元）。
type ProfitabilityRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	MatchID         uint            `gorm:"not null;uniqueIndex"`
	SellingPrice    decimal.Decimal `gorm:"type:decimal(12,2)"`
	PurchasePrice   decimal.Decimal `gorm:"type:decimal(12,2)"`
	Commission      decimal.Decimal `gorm:"type:decimal(12,2)"`
	Taxes           decimal.Decimal `gorm:"type:decimal(12,2)"`
	Delivery        decimal.Decimal `gorm:"type:decimal(12,2)"`
	Packaging       decimal.Decimal `gorm:"type:decimal(12,2)"`
	AgentCommission decimal.Decimal `gorm:"type:decimal(12,2)"`
	Profit          decimal.Decimal `gorm:"type:decimal(12,2)"`
	MarginPercent   decimal.Decimal `gorm:"type:decimal(8,2)"`
	WeightGrams     *float64
	Dimensions      string `gorm:"type:varchar(128)"`

	SourceName    string `gorm:"type:varchar(512)"`
	CandidateName string `gorm:"type:varchar(512)"`
	SourceURL     string `gorm:"type:varchar(512)"`
	CandidateURL  string `gorm:"type:varchar(512)"`
}
