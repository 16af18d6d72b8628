package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ozon1688/internal/extract"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/report"
	"ozon1688/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	URL string `json:"url" binding:"required"`
}

// createTaskResponse 创建任务的响应。
type createTaskResponse struct {
	TaskID uint `json:"task_id"`
}

type taskResponse struct {
	ID           uint         `json:"id"`
	URL          string       `json:"url"`
	Status       model.Status `json:"status"`
	StatusLabel  string       `json:"status_label"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ReprocessOf  *uint        `json:"reprocess_of,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type sourceResponse struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	PriceRUB    int64    `json:"price_rub"`
	Images      []string `json:"images"`
	WeightGrams *float64 `json:"weight_grams,omitempty"`
	Dimensions  string   `json:"dimensions,omitempty"`
}

type candidateResponse struct {
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	CompanyName string          `json:"company_name,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
}

type profitResponse struct {
	SellingPrice    decimal.Decimal `json:"selling_price"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	Commission      decimal.Decimal `json:"commission"`
	Taxes           decimal.Decimal `json:"taxes"`
	Delivery        decimal.Decimal `json:"delivery"`
	Packaging       decimal.Decimal `json:"packaging"`
	AgentCommission decimal.Decimal `json:"agent_commission"`
	Profit          decimal.Decimal `json:"profit"`
	MarginPercent   decimal.Decimal `json:"margin_percent"`
}

type resultResponse struct {
	TaskID        uint              `json:"task_id"`
	Source        sourceResponse    `json:"source"`
	Score         int               `json:"score"`
	Tier          int               `json:"tier"`
	Explanation   string            `json:"explanation,omitempty"`
	Candidate     candidateResponse `json:"candidate"`
	Profitability *profitResponse   `json:"profitability,omitempty"`
}

// toTaskResponse 转换任务响应。错误详情只对管理员返回，普通用户只看到状态说明。
func toTaskResponse(t *model.Task, admin bool) taskResponse {
	resp := taskResponse{
		ID:          t.ID,
		URL:         t.URL,
		Status:      t.Status,
		StatusLabel: t.Status.Label(),
		ReprocessOf: t.ReprocessOf,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if admin {
		resp.ErrorMessage = t.ErrorMessage
	}
	return resp
}

func toResultResponse(taskID uint, src *model.SourceRecord, m *model.Match) resultResponse {
	images := []string(src.Images)
	if images == nil {
		images = []string{}
	}
	resp := resultResponse{
		TaskID: taskID,
		Source: sourceResponse{
			Name:        src.Name,
			URL:         src.URL,
			PriceRUB:    src.PriceCurrent,
			Images:      images,
			WeightGrams: src.WeightGrams,
			Dimensions:  src.Dimensions,
		},
		Score:       m.Score,
		Tier:        m.Tier,
		Explanation: m.Explanation,
		Candidate: candidateResponse{
			Title:       m.Candidate.Title,
			URL:         m.Candidate.URL,
			PriceUSD:    m.Candidate.PriceUSD,
			CompanyName: m.Candidate.CompanyName,
			ImageURL:    m.Candidate.ImageURL,
		},
	}
	if p := m.Profitability; p != nil {
		resp.Profitability = &profitResponse{
			SellingPrice:    p.SellingPrice,
			PurchasePrice:   p.PurchasePrice,
			Commission:      p.Commission,
			Taxes:           p.Taxes,
			Delivery:        p.Delivery,
			Packaging:       p.Packaging,
			AgentCommission: p.AgentCommission,
			Profit:          p.Profit,
			MarginPercent:   p.MarginPercent,
		}
	}
	return resp
}

// handleCreateTask 提交 Ozon 商品链接。
//
// POST /api/tasks
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	url, err := extract.NormalizeOzonURL(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ozon product url"})
		return
	}
	ctx := c.Request.Context()
	userID := getUserID(c)

	dup, err := s.guard.Acquire(ctx, userID, url)
	if err != nil {
		s.logger.Error("dedup check failed", slog.String("error", err.Error()), slog.String("url", url))
	} else if dup {
		s.logger.Info("task deduplicated", slog.String("url", url), slog.Uint64("user_id", uint64(userID)))
		metrics.TaskDuplicatePreventedTotal.Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "task already submitted"})
		return
	}

	id, err := s.tasks.AddTask(ctx, url, userID)
	if err != nil {
		if relErr := s.guard.Release(ctx, userID, url); relErr != nil {
			s.logger.Warn("dedup release failed", slog.String("error", relErr.Error()), slog.String("url", url))
		}
		if errors.Is(err, store.ErrDuplicateTask) {
			metrics.TaskDuplicatePreventedTotal.Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "task already in progress"})
			return
		}
		s.logger.Error("create task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create task failed"})
		return
	}

	s.logger.Info("task created", slog.Uint64("task_id", uint64(id)), slog.String("url", url))
	c.JSON(http.StatusCreated, createTaskResponse{TaskID: id})
}

// handleListTasks 返回当前用户的任务列表。
func (s *Server) handleListTasks(c *gin.Context) {
	limit := parseQueryInt(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	tasks, err := s.tasks.ListTasks(c.Request.Context(), getUserID(c), limit)
	if err != nil {
		s.logger.Error("list tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}
	admin := isAdmin(c)
	resp := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		resp = append(resp, toTaskResponse(&tasks[i], admin))
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetTask 返回任务状态。
func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task, isAdmin(c)))
}

// handleTaskResult 返回任务的匹配结果。
//
// GET /api/tasks/:id/result
func (s *Server) handleTaskResult(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	src, m, err := s.tasks.GetTaskResult(c.Request.Context(), task.ID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result", "status": task.Status})
		return
	}
	if err != nil {
		s.logger.Error("load task result failed", slog.Uint64("task_id", uint64(task.ID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load result failed"})
		return
	}
	c.JSON(http.StatusOK, toResultResponse(task.ID, src, m))
}

// handleReprocess 为已结束的任务创建新的 pending 任务。
//
// POST /api/tasks/:id/reprocess
func (s *Server) handleReprocess(c *gin.Context) {
	task, ok := s.loadOwnedTask(c)
	if !ok {
		return
	}
	id, err := s.tasks.Reprocess(c.Request.Context(), task.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTaskActive), errors.Is(err, store.ErrDuplicateTask):
		c.JSON(http.StatusConflict, gin.H{"error": "task is still in progress"})
		return
	case errors.Is(err, store.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	default:
		s.logger.Error("reprocess task failed", slog.Uint64("task_id", uint64(task.ID)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reprocess failed"})
		return
	}

	s.logger.Info("task reprocessed", slog.Uint64("task_id", uint64(task.ID)), slog.Uint64("new_task_id", uint64(id)))
	c.JSON(http.StatusCreated, createTaskResponse{TaskID: id})
}

// handleStats 按状态统计任务；管理员统计全部用户。
func (s *Server) handleStats(c *gin.Context) {
	ownerID := getUserID(c)
	if isAdmin(c) {
		ownerID = 0
	}
	stats, err := s.tasks.TaskStats(c.Request.Context(), ownerID)
	if err != nil {
		s.logger.Error("task stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleReport 下载利润报表。
func (s *Server) handleReport(c *gin.Context) {
	rows, err := s.tasks.ListProfitability(c.Request.Context())
	if err != nil {
		s.logger.Error("load profitability failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	var buf bytes.Buffer
	if err := report.Generate(rows, &buf); err != nil {
		s.logger.Error("generate report failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}

	name := fmt.Sprintf("profitability_report_%s.xlsx", time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// loadOwnedTask 读取路径中的任务；非所有者（管理员除外）视为不存在。
func (s *Server) loadOwnedTask(c *gin.Context) (*model.Task, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return nil, false
	}
	task, err := s.tasks.GetTask(c.Request.Context(), uint(id))
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("load task failed", slog.Uint64("task_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load task failed"})
		return nil, false
	}
	if task.UserID != getUserID(c) && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	return task, true
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
