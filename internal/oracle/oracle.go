// Package oracle 调用 OpenAI 兼容接口评估候选商品的相关度并提取品牌。
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ozon1688/internal/config"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/metrics"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	rankSystemPrompt  = "Ты эксперт по сравнению товаров, отвечаешь только в JSON формате."
	brandSystemPrompt = "Ты эксперт по определению брендов, отвечаешь только названием бренда или пустой строкой."
	maxBrandRunes     = 64
)

var (
	// ErrNotConfigured 表示没有配置 API 密钥。
	ErrNotConfigured = errors.New("oracle api key not configured")
	// ErrEmptyResponse 表示模型没有返回内容。
	ErrEmptyResponse = errors.New("oracle returned empty response")

	emptyBrands = map[string]struct{}{
		"":             {},
		"none":         {},
		"null":         {},
		"n/a":          {},
		"нет":          {},
		"неизвестно":   {},
		"не определен": {},
		"не определён": {},
		"отсутствует":  {},
	}
)

// ChatAPI 是 go-openai 客户端中本包使用的部分。
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// RankRequest 一次批量评分请求。
type RankRequest struct {
	Source     *model.SourceRecord
	Candidates []model.CandidateRecord
	Brand      string // 可选，品牌辅助信息
	Threshold  int    // 分数必须严格大于该值
}

// Best 是通过阈值的最佳候选。
type Best struct {
	Index       int // 在候选列表中的下标（从 0 开始）
	Score       int
	Explanation string
}

// Score 模型对单个候选的评分。
type Score struct {
	Index       int
	Score       int
	Explanation string
}

// Client 相关度评估客户端。
type Client struct {
	api     ChatAPI
	cfg     config.OracleConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New 根据配置创建客户端。
//
// 参数:
//   - cfg: 评估服务配置（API 密钥为空时调用会返回 ErrNotConfigured）
//   - logger: 日志记录器
//
// 返回值:
//   - *Client: 评估客户端
func New(cfg config.OracleConfig, logger *slog.Logger) *Client {
	var api ChatAPI
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		api = openai.NewClientWithConfig(oc)
	}
	return NewWithAPI(api, cfg, logger)
}

// NewWithAPI 使用给定的接口实现创建客户端。
func NewWithAPI(api ChatAPI, cfg config.OracleConfig, logger *slog.Logger) *Client {
	if cfg.RankModel == "" {
		cfg.RankModel = openai.GPT4oMini
	}
	if cfg.BrandModel == "" {
		cfg.BrandModel = openai.GPT4
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	c := &Client{api: api, cfg: cfg, logger: logger}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Rank 对候选商品批量评分，返回严格高于阈值的最高分候选。
//
// 没有候选通过阈值时返回 (nil, nil)。
//
// 参数:
//   - ctx: 上下文
//   - req: 评分请求
//
// 返回值:
//   - *Best: 最佳候选，可能为 nil
//   - error: 调用或解析失败
func (c *Client) Rank(ctx context.Context, req RankRequest) (*Best, error) {
	if req.Source == nil || len(req.Candidates) == 0 {
		return nil, nil
	}

	content, err := c.complete(ctx, "rank", openai.ChatCompletionRequest{
		Model: c.cfg.RankModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rankSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildRankPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    c.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	scores, err := parseRankResponse(content)
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues("rank", "bad_response").Inc()
		return nil, err
	}
	best := selectBest(scores, len(req.Candidates), req.Threshold)
	if best == nil {
		c.logger.Info("no candidate above relevance threshold",
			slog.Int("candidates", len(req.Candidates)),
			slog.Int("threshold", req.Threshold))
		return nil, nil
	}
	c.logger.Info("relevant candidate found",
		slog.Int("index", best.Index),
		slog.Int("score", best.Score))
	return best, nil
}

// ExtractBrand 从商品名称中提取品牌，无法确定时返回空字符串。
func (c *Client) ExtractBrand(ctx context.Context, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(`Извлеки название бренда из названия товара. Если бренд не определен, верни пустую строку.

Название товара: %s

Важно:
- Верни ТОЛЬКО название бренда без дополнительного текста
- Если бренд не определен, верни пустую строку
- Не добавляй никаких пояснений`, title)

	content, err := c.complete(ctx, "brand", openai.ChatCompletionRequest{
		Model: c.cfg.BrandModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: brandSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil && !errors.Is(err, ErrEmptyResponse) {
		return "", err
	}
	brand := normalizeBrand(content)
	c.logger.Debug("brand extracted", slog.String("brand", brand))
	return brand, nil
}

// complete 执行一次带限流与超时的对话请求，返回第一条回复内容。
func (c *Client) complete(ctx context.Context, op string, req openai.ChatCompletionRequest) (string, error) {
	if c.api == nil {
		metrics.OracleRequestsTotal.WithLabelValues(op, "not_configured").Inc()
		return "", ErrNotConfigured
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("oracle rate limit: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(callCtx, req)
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues(op, "error").Inc()
		return "", fmt.Errorf("oracle %s: %w", op, err)
	}
	metrics.OracleRequestsTotal.WithLabelValues(op, "ok").Inc()
	c.logger.Debug("oracle response received",
		slog.String("op", op),
		slog.String("model", req.Model),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("total_tokens", resp.Usage.TotalTokens))

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

type promptCandidate struct {
	Index    int    `json:"index"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url"`
}

func buildRankPrompt(req RankRequest) string {
	cands := make([]promptCandidate, len(req.Candidates))
	for i, cand := range req.Candidates {
		cands[i] = promptCandidate{Index: i + 1, Title: cand.Title, ImageURL: cand.ImageURL}
	}
	candJSON, _ := json.MarshalIndent(cands, "", "  ")

	attrs := req.Source.Attributes.Data()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var attrLines strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&attrLines, "  - %s: %s\n", k, attrs[k])
	}
	if attrLines.Len() == 0 {
		attrLines.WriteString("  Нет данных\n")
	}

	var b strings.Builder
	b.WriteString("Ты опытный эксперт по сравнению товаров с маркетплейсов, специализирующийся на китайских товарах.\n")
	b.WriteString("Проанализируй, насколько товары с китайского маркетплейса 1688 соответствуют товару с российского маркетплейса Ozon.\n\n")
	b.WriteString("Товар с Ozon:\n")
	fmt.Fprintf(&b, "- Название: %s\n", req.Source.Name)
	if req.Brand != "" {
		fmt.Fprintf(&b, "- Бренд: %s\n", req.Brand)
	}
	b.WriteString("- Характеристики:\n")
	b.WriteString(attrLines.String())
	fmt.Fprintf(&b, "- Изображения: %s\n\n", strings.Join(req.Source.Images, ", "))
	b.WriteString("Товары с 1688 (index начинается с 1):\n")
	b.Write(candJSON)
	b.WriteString(`

Учитывай:
1. Переводы с китайского часто неточны, ключевые характеристики важнее совпадения названий.
2. Функциональное назначение и технические параметры должны совпадать.
3. Визуальное сходство изображений - важный критерий (форма, материалы, цвет, детали).

Шкала релевантности от 0 до 100:
- 0-30: разные товары
- 31-60: похожие товары с существенными различиями
- 61-80: очень похожие товары с небольшими отличиями
- 81-100: идентичные товары

Ответ дай ТОЛЬКО в формате JSON:
{"results": [{"product_index": index товара из списка, "relevance_score": число от 0 до 100, "explanation": "краткое объяснение"}]}
`)
	return b.String()
}

type rankResponse struct {
	Results []struct {
		ProductIndex   int     `json:"product_index"`
		RelevanceScore float64 `json:"relevance_score"`
		Explanation    string  `json:"explanation"`
	} `json:"results"`
}

// parseRankResponse 解析模型的 JSON 回复，下标转换为从 0 开始。
func parseRankResponse(content string) ([]Score, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var resp rankResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("parse oracle response: %w", err)
	}
	scores := make([]Score, 0, len(resp.Results))
	for _, r := range resp.Results {
		scores = append(scores, Score{
			Index:       r.ProductIndex - 1,
			Score:       int(math.Round(r.RelevanceScore)),
			Explanation: strings.TrimSpace(r.Explanation),
		})
	}
	return scores, nil
}

// selectBest 选出严格高于阈值的最高分；同分时取列表中靠前的候选。
func selectBest(scores []Score, n, threshold int) *Best {
	var best *Best
	for _, s := range scores {
		if s.Index < 0 || s.Index >= n || s.Score <= threshold {
			continue
		}
		if best == nil || s.Score > best.Score || (s.Score == best.Score && s.Index < best.Index) {
			best = &Best{Index: s.Index, Score: s.Score, Explanation: s.Explanation}
		}
	}
	return best
}

// normalizeBrand 清理模型回复中的引号、标点和“无品牌”类回答。
func normalizeBrand(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'«»“”`.")
	if _, ok := emptyBrands[strings.ToLower(s)]; ok {
		return ""
	}
	if utf8.RuneCountInString(s) > maxBrandRunes {
		return ""
	}
	return s
}
