// Package report 生成利润报表（xlsx）。
package report

import (
	"fmt"
	"io"
	"strconv"

	"ozon1688/internal/model"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// SheetName 报表工作表名称。
const SheetName = "Прибыльность"

// NotAvailable 空值占位。
const NotAvailable = "Н/Д"

// Headers 报表列名（按列顺序）。
var Headers = []string{
	"Товар",
	"Ссылка OZON",
	"Ссылка 1688",
	"Цена продажи",
	"Цена покупки",
	"Комиссия МП",
	"Налоги",
	"Вес товара",
	"Объем упаковки",
	"Доставка России",
	"Расходные материалы",
	"Комиссия агента",
	"Итого",
	"Маржинальность %",
}

var colWidths = map[string]float64{
	"A": 40,
	"B": 50,
	"C": 50,
	"I": 20,
}

// Generate 将利润快照写成 xlsx。
//
// 空字符串与零值写为 "Н/Д"，金额保留两位小数，利润率带 "%"。
//
// 参数:
//   - rows: 利润快照（按调用方给定的顺序写入）
//   - w: 输出
//
// 返回值:
//   - error: 生成或写出失败时返回错误
func Generate(rows []model.ProfitabilityRecord, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(Headers))
	for i, h := range Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := styleHeader(f); err != nil {
		return err
	}

	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := rowValues(&rows[i])
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func styleHeader(f *excelize.File) error {
	style, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4B0082"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(Headers), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetName, "A1", last, style); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}
	for col, width := range colWidths {
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return fmt.Errorf("column width: %w", err)
		}
	}
	return nil
}

func rowValues(r *model.ProfitabilityRecord) []any {
	return []any{
		text(r.SourceName),
		text(r.SourceURL),
		text(r.CandidateURL),
		money(r.SellingPrice),
		money(r.PurchasePrice),
		money(r.Commission),
		money(r.Taxes),
		weight(r.WeightGrams),
		text(r.Dimensions),
		money(r.Delivery),
		money(r.Packaging),
		money(r.AgentCommission),
		money(r.Profit),
		percent(r.MarginPercent),
	}
}

func text(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}

func money(d decimal.Decimal) string {
	if d.IsZero() {
		return NotAvailable
	}
	return d.StringFixed(2)
}

func percent(d decimal.Decimal) string {
	if d.IsZero() {
		return NotAvailable
	}
	return d.StringFixed(2) + "%"
}

func weight(g *float64) string {
	if g == nil || *g == 0 {
		return NotAvailable
	}
	return strconv.FormatFloat(*g, 'f', 2, 64)
}
