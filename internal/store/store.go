// Package store 提供任务与匹配结果的持久化。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ozon1688/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrTaskNotFound 表示任务不存在。
	ErrTaskNotFound = errors.New("task not found")
	// ErrStatusConflict 表示任务状态已被其他写入方修改。
	ErrStatusConflict = errors.New("task status changed concurrently")
	// ErrDuplicateTask 表示同一用户对同一链接已有未结束的任务。
	ErrDuplicateTask = errors.New("active task already exists for url")
	// ErrTaskActive 表示任务仍在处理中，不能重新处理。
	ErrTaskActive = errors.New("task is still active")
)

// Repository 基于 gorm 的存储实现。
//
// 支持并发读；同一任务行的状态写入通过 status 条件更新串行化。
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open 连接 MySQL 并执行自动迁移。
//
// 参数:
//   - dsn: MySQL 连接字符串
//
// 返回值:
//   - *gorm.DB: 数据库连接
//   - error: 连接或迁移失败时返回错误
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 创建或更新全部表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Task{},
		&model.SourceRecord{},
		&model.CandidateRecord{},
		&model.Match{},
		&model.ProfitabilityRecord{},
	)
}

// New 创建 Repository。
func New(db *gorm.DB, logger *slog.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// AddTask 创建一个 pending 任务。
//
// 参数:
//   - ctx: 上下文
//   - url: 规范化后的商品链接
//   - ownerID: 用户 ID
//
// 返回值:
//   - uint: 新任务 ID
//   - error: 同一用户对该链接已有未结束任务时返回 ErrDuplicateTask
func (r *Repository) AddTask(ctx context.Context, url string, ownerID uint) (uint, error) {
	var id uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := createTask(tx, url, ownerID, nil)
		if err != nil {
			return err
		}
		id = task.ID
		return nil
	})
	return id, err
}

func createTask(tx *gorm.DB, url string, ownerID uint, reprocessOf *uint) (*model.Task, error) {
	var active int64
	if err := tx.Model(&model.Task{}).
		Where("user_id = ? AND url = ? AND status IN ?", ownerID, url, claimableStatuses()).
		Count(&active).Error; err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrDuplicateTask
	}

	task := &model.Task{
		UserID:      ownerID,
		URL:         url,
		Status:      model.StatusPending,
		ReprocessOf: reprocessOf,
	}
	if err := tx.Omit(clause.Associations).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func claimableStatuses() []model.Status {
	return []model.Status{model.StatusPending, model.StatusOzonProcessed}
}

// Claimable 返回最多 limit 个可处理的任务。
//
// 排序：pending 优先于 ozon_processed，同一状态内按创建时间升序。
// 返回的任务会刷新 updated_at 作为处理中提示（不是锁）。
func (r *Repository) Claimable(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 1
	}

	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("status IN ?", claimableStatuses()).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:  "CASE WHEN status = ? THEN 0 ELSE 1 END, created_at ASC, id ASC",
			Vars: []interface{}{model.StatusPending},
		}}).
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id IN ?", ids).
		UpdateColumn("updated_at", now).Error; err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].UpdatedAt = now
	}
	return tasks, nil
}

// GetTask 按 ID 查询任务。
func (r *Repository) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListTasks 按创建时间倒序返回用户的任务。
func (r *Repository) ListTasks(ctx context.Context, ownerID uint, limit int) ([]model.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// UpdateStatus 以 compare-and-swap 方式推进任务状态。
//
// 参数:
//   - ctx: 上下文
//   - id: 任务 ID
//   - from: 期望的当前状态
//   - to: 目标状态
//   - errMsg: 失败原因（可为空）
//
// 返回值:
//   - error: 非法迁移返回 model.ErrIllegalTransition；
//     当前状态不是 from 时返回 ErrStatusConflict；任务不存在返回 ErrTaskNotFound
func (r *Repository) UpdateStatus(ctx context.Context, id uint, from, to model.Status, errMsg string) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":        to,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %d is no longer %s", ErrStatusConflict, id, from)
	}
	return nil
}

// UpsertSourceRecord 按 Ozon 商品 ID 保存源商品快照，并归属到指定任务。
//
// 返回值:
//   - uint: 记录 ID
//   - error: 保存失败返回错误
func (r *Repository) UpsertSourceRecord(ctx context.Context, rec *model.SourceRecord, taskID uint) (uint, error) {
	rec.TaskID = taskID
	columns := []string{
		"task_id", "url", "name", "price_current", "price_original",
		"images", "attributes", "dimensions", "updated_at",
	}
	// 重新抽取没拿到重量时保留已有重量
	if rec.WeightGrams != nil {
		columns = append(columns, "weight_grams")
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error; err != nil {
		return 0, err
	}

	// 某些驱动在冲突更新时不会回填 ID，这里做一次兜底查询。
	if rec.ID == 0 {
		var existing model.SourceRecord
		if err := r.db.WithContext(ctx).Select("id").Where("external_id = ?", rec.ExternalID).First(&existing).Error; err != nil {
			return 0, err
		}
		rec.ID = existing.ID
	}
	return rec.ID, nil
}

// UpsertCandidateRecord 按链接保存 1688 候选商品。
func (r *Repository) UpsertCandidateRecord(ctx context.Context, rec *model.CandidateRecord) (uint, error) {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "price_usd", "price_raw", "company_name", "sales",
			"shop_years", "repurchase_rate", "image_url", "updated_at",
		}),
	}).Create(rec).Error; err != nil {
		return 0, err
	}

	if rec.ID == 0 {
		var existing model.CandidateRecord
		if err := r.db.WithContext(ctx).Select("id").Where("url = ?", rec.URL).First(&existing).Error; err != nil {
			return 0, err
		}
		rec.ID = existing.ID
	}
	return rec.ID, nil
}

// SaveMatch 保存一次匹配。
func (r *Repository) SaveMatch(ctx context.Context, m *model.Match) (uint, error) {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// SaveProfitability 保存利润快照，每个匹配只会保存一次。
//
// 返回值:
//   - bool: 新建记录时为 true，该匹配已有记录时为 false
//   - error: 保存失败返回错误
func (r *Repository) SaveProfitability(ctx context.Context, rec *model.ProfitabilityRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "match_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetSourceRecordByTask 查询任务当前拥有的源商品快照。
func (r *Repository) GetSourceRecordByTask(ctx context.Context, taskID uint) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetMatchBySourceID 查询源商品最新的匹配（含候选商品与利润快照）。
func (r *Repository) GetMatchBySourceID(ctx context.Context, sourceID uint) (*model.Match, error) {
	var m model.Match
	err := r.db.WithContext(ctx).
		Preload("Candidate").
		Preload("Profitability").
		Where("source_record_id = ?", sourceID).
		Order("id DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetTaskResult 返回任务的匹配结果，没有结果时返回 ErrNotFound。
func (r *Repository) GetTaskResult(ctx context.Context, taskID uint) (*model.SourceRecord, *model.Match, error) {
	src, err := r.GetSourceRecordByTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	m, err := r.GetMatchBySourceID(ctx, src.ID)
	if err != nil {
		return src, nil, err
	}
	return src, m, nil
}

// Reprocess 为已结束的任务创建新的 pending 任务，原任务保持不变。
//
// 返回值:
//   - uint: 新任务 ID
//   - error: 原任务未结束时返回 ErrTaskActive
func (r *Repository) Reprocess(ctx context.Context, taskID uint) (uint, error) {
	var id uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig model.Task
		if err := tx.First(&orig, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		if orig.Status.Claimable() {
			return ErrTaskActive
		}
		task, err := createTask(tx, orig.URL, orig.UserID, &orig.ID)
		if err != nil {
			return err
		}
		id = task.ID
		return nil
	})
	return id, err
}

// TaskStats 按状态统计任务数量，ownerID 为 0 时统计全部用户。
func (r *Repository) TaskStats(ctx context.Context, ownerID uint) (map[model.Status]int64, error) {
	var rows []struct {
		Status model.Status
		Count  int64
	}
	q := r.db.WithContext(ctx).Model(&model.Task{}).Select("status, COUNT(*) AS count")
	if ownerID != 0 {
		q = q.Where("user_id = ?", ownerID)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := make(map[model.Status]int64, len(model.AllStatuses()))
	for _, s := range model.AllStatuses() {
		stats[s] = 0
	}
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}

// ListProfitability 按创建时间返回全部利润快照。
func (r *Repository) ListProfitability(ctx context.Context) ([]model.ProfitabilityRecord, error) {
	var recs []model.ProfitabilityRecord
	err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error
	return recs, err
}

// RecomputeFunc 根据匹配重新生成利润快照。
type RecomputeFunc func(m *model.Match) (*model.ProfitabilityRecord, error)

// RecalculateAll 删除全部利润快照并按每个匹配重新生成。
//
// 在单个事务内执行；单个匹配计算失败只计数，不回滚。
//
// 返回值:
//   - recomputed: 成功生成的数量
//   - failed: 计算失败的数量
//   - err: 数据库错误
func (r *Repository) RecalculateAll(ctx context.Context, fn RecomputeFunc) (recomputed, failed int, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recomputed, failed = 0, 0
		if err := tx.Where("1 = 1").Delete(&model.ProfitabilityRecord{}).Error; err != nil {
			return fmt.Errorf("delete profitability: %w", err)
		}

		var matches []model.Match
		if err := tx.Preload("Source").Preload("Candidate").
			Where("status = ?", model.MatchFound).
			Order("id ASC").
			Find(&matches).Error; err != nil {
			return fmt.Errorf("load matches: %w", err)
		}

		for i := range matches {
			m := &matches[i]
			rec, err := fn(m)
			if err != nil {
				failed++
				r.logger.Warn("recompute profitability failed",
					slog.Uint64("match_id", uint64(m.ID)),
					slog.String("error", err.Error()))
				continue
			}
			rec.MatchID = m.ID
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("save profitability for match %d: %w", m.ID, err)
			}
			recomputed++
		}
		return nil
	})
	return recomputed, failed, err
}
