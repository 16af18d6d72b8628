package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// Status 是任务状态的封闭枚举。
type Status string

const (
	StatusPending       Status = "pending"        // 已提交，等待抽取 Ozon 页面
	StatusOzonProcessed Status = "ozon_processed" // 源商品已保存，等待跨平台搜索
	StatusCompleted     Status = "completed"      // 已匹配并完成利润计算
	StatusNotFound      Status = "not_found"      // 三层搜索均未找到
	StatusError         Status = "error"          // 意外错误，需人工检查
	StatusFailed        Status = "failed"         // 阶段失败（必填字段缺失、保存失败）
	StatusFatal         Status = "fatal"          // 无法处理（链接非法、浏览器无法启动）
)

// ErrIllegalTransition 表示状态机不允许的状态迁移。
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError 记录被拒绝的迁移。
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

var transitions = map[Status][]Status{
	StatusPending:       {StatusOzonProcessed, StatusError, StatusFailed, StatusFatal},
	StatusOzonProcessed: {StatusCompleted, StatusNotFound, StatusError, StatusFailed, StatusFatal},
}

var labels = map[Status]string{
	StatusPending:       "В очереди",
	StatusOzonProcessed: "Поиск на 1688",
	StatusCompleted:     "Готово",
	StatusNotFound:      "Товар не найден на 1688",
	StatusError:         "Ошибка обработки",
	StatusFailed:        "Не удалось получить данные Ozon",
	StatusFatal:         "Ссылка не может быть обработана",
}

// AllStatuses 按状态机顺序返回全部状态。
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusOzonProcessed, StatusCompleted, StatusNotFound,
		StatusError, StatusFailed, StatusFatal,
	}
}

// Value 实现 driver.Valuer。
func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// Valid 判断是否为已知状态。
func (s Status) Valid() bool {
	_, ok := labels[s]
	return ok
}

// Claimable 判断任务是否可被处理器认领。
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusOzonProcessed
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s.Valid() && !s.Claimable()
}

// Label 返回面向用户的状态描述。
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return "Неизвестный статус"
}

// ValidateTransition 校验状态迁移是否合法。
//
// 参数:
//   - from: 当前状态
//   - to: 目标状态
//
// 返回值:
//   - error: 不合法时返回 *TransitionError（可用 errors.Is 匹配 ErrIllegalTransition）
func ValidateTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
