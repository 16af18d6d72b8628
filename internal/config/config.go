package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Search   SearchConfig   `json:"search"`
	Oracle   OracleConfig   `json:"oracle"`
	Pricing  PricingConfig  `json:"pricing"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env           string        `json:"env"`            // 运行环境: local / prod
	LogLevel      string        `json:"log_level"`      // 日志级别: debug / info / warn / error
	HTTPAddr      string        `json:"http_addr"`      // API 服务监听地址
	MetricsAddr   string        `json:"metrics_addr"`   // Worker 指标监听地址
	PollInterval  time.Duration `json:"poll_interval"`  // 无任务时的轮询间隔（如 "10s"）
	TaskPause     time.Duration `json:"task_pause"`     // 每个任务处理后的固定停顿
	BackoffFactor float64       `json:"backoff_factor"` // 循环级错误时轮询间隔的放大倍数
	BackoffMax    time.Duration `json:"backoff_max"`    // 轮询间隔上限
	DedupWindow   int           `json:"dedup_window"`   // 提交去重窗口（秒）
	EventStream   string        `json:"event_stream"`   // 任务事件 Redis Stream 名称
	EventGroup    string        `json:"event_group"`    // 事件消费者组名称
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`       // 数据库编号
}

// BrowserConfig 浏览器会话配置。
type BrowserConfig struct {
	BinPath         string        `json:"bin_path"`          // 浏览器可执行文件路径
	ProxyURL        string        `json:"proxy_url"`         // 代理服务器 URL
	Headless        bool          `json:"headless"`          // 是否使用无头模式
	UserAgent       string        `json:"user_agent"`        // 覆盖默认 UA
	WindowWidth     int           `json:"window_width"`      // 窗口宽度
	WindowHeight    int           `json:"window_height"`     // 窗口高度
	PageLoadTimeout time.Duration `json:"page_load_timeout"` // 页面加载的有界等待
	OpenAttempts    int           `json:"open_attempts"`     // 启动浏览器的尝试次数
	OpenRetryPause  time.Duration `json:"open_retry_pause"`  // 启动失败后的等待
	BlockedURLs     []string      `json:"blocked_urls"`      // 屏蔽的资源 URL 模式
}

// SearchConfig 1688 以图搜图配置。
type SearchConfig struct {
	TargetURL          string        `json:"target_url"`          // 1688 首页
	CandidateLimit     int           `json:"candidate_limit"`     // 最多采集的结果卡片数
	RelevanceThreshold int           `json:"relevance_threshold"` // 相关度阈值（严格大于）
	ResultWait         time.Duration `json:"result_wait"`         // 等待搜索结果的时间
	RateLimit          float64       `json:"rate_limit"`          // 搜索限流速率（token/s）
	RateBurst          float64       `json:"rate_burst"`          // 限流桶容量
	RateWait           time.Duration `json:"rate_wait"`           // 获取令牌的最长等待
}

// OracleConfig 相关度评估（LLM）配置。
type OracleConfig struct {
	APIKey            string  `json:"api_key"`             // API 密钥
	BaseURL           string  `json:"base_url"`            // OpenAI 兼容接口地址
	RankModel         string  `json:"rank_model"`          // 候选评分模型
	BrandModel        string  `json:"brand_model"`         // 品牌提取模型
	Temperature       float32 `json:"temperature"`         // 采样温度
	TimeoutSeconds    int     `json:"timeout_seconds"`     // 单次请求超时（秒）
	RequestsPerMinute int     `json:"requests_per_minute"` // 客户端请求节流
}

// PricingConfig 汇率与利润费率配置。
type PricingConfig struct {
	RUBPerUSD      float64 `json:"rub_per_usd"`     // 1 美元对应卢布
	CNYPerUSD      float64 `json:"cny_per_usd"`     // 1 美元对应人民币
	CommissionRate float64 `json:"commission_rate"` // 平台佣金比例
	TaxRate        float64 `json:"tax_rate"`        // 税费比例
	DeliveryPerKg  float64 `json:"delivery_per_kg"` // 每公斤运费（美元）
	Packaging      float64 `json:"packaging"`       // 包装费（美元）
	AgentRate      float64 `json:"agent_rate"`      // 代理佣金比例
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret     string `json:"jwt_secret"`     // JWT 签名密钥
	InviteCode    string `json:"invite_code"`    // 邀请码（为空表示禁止注册）
	AdminEmail    string `json:"admin_email"`    // 初始管理员邮箱
	AdminPassword string `json:"admin_password"` // 初始管理员密码
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:           "local",
			LogLevel:      "info",
			HTTPAddr:      ":8081",
			MetricsAddr:   ":2112",
			PollInterval:  10 * time.Second,
			TaskPause:     1 * time.Second,
			BackoffFactor: 2,
			BackoffMax:    5 * time.Minute,
			DedupWindow:   60,
			EventStream:   "ozon1688:task:events",
			EventGroup:    "notifier_group",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/ozon1688?parseTime=true&loc=Local&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Browser: BrowserConfig{
			Headless:        true,
			WindowWidth:     1920,
			WindowHeight:    1080,
			PageLoadTimeout: 30 * time.Second,
			OpenAttempts:    3,
			OpenRetryPause:  5 * time.Second,
			BlockedURLs: []string{
				"*.woff", "*.woff2", "*.ttf",
				"*mc.yandex.ru*", "*google-analytics.com*", "*doubleclick.net*",
			},
		},
		Search: SearchConfig{
			TargetURL:          "https://www.1688.com/",
			CandidateLimit:     15,
			RelevanceThreshold: 60,
			ResultWait:         30 * time.Second,
			RateLimit:          0.2,
			RateBurst:          2,
			RateWait:           2 * time.Minute,
		},
		Oracle: OracleConfig{
			BaseURL:           "https://api.proxyapi.ru/openai/v1",
			RankModel:         "gpt-4o-mini",
			BrandModel:        "gpt-4",
			Temperature:       0.2,
			TimeoutSeconds:    60,
			RequestsPerMinute: 20,
		},
		Pricing: PricingConfig{
			RUBPerUSD:      85.0,
			CNYPerUSD:      7.14,
			CommissionRate: 0.27,
			TaxRate:        0.07,
			DeliveryPerKg:  1.7,
			Packaging:      0.10,
			AgentRate:      0.05,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.PollInterval == 0 {
		cfg.App.PollInterval = defaults.App.PollInterval
	}
	if cfg.App.TaskPause == 0 {
		cfg.App.TaskPause = defaults.App.TaskPause
	}
	if cfg.App.BackoffFactor < 1 {
		cfg.App.BackoffFactor = defaults.App.BackoffFactor
	}
	if cfg.App.BackoffMax == 0 {
		cfg.App.BackoffMax = defaults.App.BackoffMax
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.EventStream == "" {
		cfg.App.EventStream = defaults.App.EventStream
	}
	if cfg.App.EventGroup == "" {
		cfg.App.EventGroup = defaults.App.EventGroup
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Browser.WindowWidth == 0 {
		cfg.Browser.WindowWidth = defaults.Browser.WindowWidth
	}
	if cfg.Browser.WindowHeight == 0 {
		cfg.Browser.WindowHeight = defaults.Browser.WindowHeight
	}
	if cfg.Browser.PageLoadTimeout == 0 {
		cfg.Browser.PageLoadTimeout = defaults.Browser.PageLoadTimeout
	}
	if cfg.Browser.OpenAttempts == 0 {
		cfg.Browser.OpenAttempts = defaults.Browser.OpenAttempts
	}
	if cfg.Browser.OpenRetryPause == 0 {
		cfg.Browser.OpenRetryPause = defaults.Browser.OpenRetryPause
	}
	if cfg.Browser.BlockedURLs == nil {
		cfg.Browser.BlockedURLs = defaults.Browser.BlockedURLs
	}
	if cfg.Search.TargetURL == "" {
		cfg.Search.TargetURL = defaults.Search.TargetURL
	}
	if cfg.Search.CandidateLimit == 0 {
		cfg.Search.CandidateLimit = defaults.Search.CandidateLimit
	}
	if cfg.Search.RelevanceThreshold == 0 {
		cfg.Search.RelevanceThreshold = defaults.Search.RelevanceThreshold
	}
	if cfg.Search.ResultWait == 0 {
		cfg.Search.ResultWait = defaults.Search.ResultWait
	}
	if cfg.Search.RateLimit == 0 {
		cfg.Search.RateLimit = defaults.Search.RateLimit
	}
	if cfg.Search.RateBurst == 0 {
		cfg.Search.RateBurst = defaults.Search.RateBurst
	}
	if cfg.Search.RateWait == 0 {
		cfg.Search.RateWait = defaults.Search.RateWait
	}
	if cfg.Oracle.BaseURL == "" {
		cfg.Oracle.BaseURL = defaults.Oracle.BaseURL
	}
	if cfg.Oracle.RankModel == "" {
		cfg.Oracle.RankModel = defaults.Oracle.RankModel
	}
	if cfg.Oracle.BrandModel == "" {
		cfg.Oracle.BrandModel = defaults.Oracle.BrandModel
	}
	if cfg.Oracle.TimeoutSeconds == 0 {
		cfg.Oracle.TimeoutSeconds = defaults.Oracle.TimeoutSeconds
	}
	if cfg.Oracle.RequestsPerMinute == 0 {
		cfg.Oracle.RequestsPerMinute = defaults.Oracle.RequestsPerMinute
	}
	if cfg.Pricing.RUBPerUSD == 0 {
		cfg.Pricing.RUBPerUSD = defaults.Pricing.RUBPerUSD
	}
	if cfg.Pricing.CNYPerUSD == 0 {
		cfg.Pricing.CNYPerUSD = defaults.Pricing.CNYPerUSD
	}
	if cfg.Pricing.CommissionRate == 0 {
		cfg.Pricing.CommissionRate = defaults.Pricing.CommissionRate
	}
	if cfg.Pricing.TaxRate == 0 {
		cfg.Pricing.TaxRate = defaults.Pricing.TaxRate
	}
	if cfg.Pricing.DeliveryPerKg == 0 {
		cfg.Pricing.DeliveryPerKg = defaults.Pricing.DeliveryPerKg
	}
	if cfg.Pricing.Packaging == 0 {
		cfg.Pricing.Packaging = defaults.Pricing.Packaging
	}
	if cfg.Pricing.AgentRate == 0 {
		cfg.Pricing.AgentRate = defaults.Pricing.AgentRate
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("invite_code", "INVITE_CODE")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("openai_base_url", "OPENAI_BASE_URL")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PollInterval = d
		}
	}
	if v := os.Getenv("APP_TASK_PAUSE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.TaskPause = d
		}
	}
	if v := os.Getenv("APP_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.BackoffMax = d
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := viper.GetString("invite_code"); v != "" {
		cfg.Security.InviteCode = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Security.AdminEmail = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Security.AdminPassword = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PAGE_LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageLoadTimeout = d
		}
	}

	if v := os.Getenv("SEARCH_RELEVANCE_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Search.RelevanceThreshold = i
		}
	}
	if v := os.Getenv("SEARCH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.RateLimit = f
		}
	}

	if v := viper.GetString("openai_api_key"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := viper.GetString("openai_base_url"); v != "" {
		cfg.Oracle.BaseURL = v
	}

	if v := os.Getenv("PRICING_RUB_PER_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pricing.RUBPerUSD = f
		}
	}
	if v := os.Getenv("PRICING_CNY_PER_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pricing.CNYPerUSD = f
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "ozon1688",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
			"charset":   "utf8mb4",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		PollInterval string `json:"poll_interval"`
		TaskPause    string `json:"task_pause"`
		BackoffMax   string `json:"backoff_max"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	return parseDurations(map[string]durationField{
		"poll_interval": {aux.PollInterval, &a.PollInterval},
		"task_pause":    {aux.TaskPause, &a.TaskPause},
		"backoff_max":   {aux.BackoffMax, &a.BackoffMax},
	})
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		PollInterval string `json:"poll_interval"`
		TaskPause    string `json:"task_pause"`
		BackoffMax   string `json:"backoff_max"`
		*Alias
	}{
		PollInterval: a.PollInterval.String(),
		TaskPause:    a.TaskPause.String(),
		BackoffMax:   a.BackoffMax.String(),
		Alias:        (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageLoadTimeout string `json:"page_load_timeout"`
		OpenRetryPause  string `json:"open_retry_pause"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	return parseDurations(map[string]durationField{
		"page_load_timeout": {aux.PageLoadTimeout, &b.PageLoadTimeout},
		"open_retry_pause":  {aux.OpenRetryPause, &b.OpenRetryPause},
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *SearchConfig) UnmarshalJSON(data []byte) error {
	type Alias SearchConfig
	aux := &struct {
		ResultWait string `json:"result_wait"`
		RateWait   string `json:"rate_wait"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	return parseDurations(map[string]durationField{
		"result_wait": {aux.ResultWait, &s.ResultWait},
		"rate_wait":   {aux.RateWait, &s.RateWait},
	})
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}
