package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// RequestStatus 请求状态
type RequestStatus string

const (
	RequestStatusPending RequestStatus = "pending" // 待处理
	RequestStatusRunning RequestStatus = "running" // 处理中
	RequestStatusHandled RequestStatus = "handled" // 已完成
	RequestStatusFailed  RequestStatus = "failed"  // 重试耗尽
)

// CrawlMode 爬取模式
type CrawlMode string

const (
	ModeStatic  CrawlMode = "static"  // Colly静态抓取
	ModeDynamic CrawlMode = "dynamic" // go-rod浏览器渲染
)

// Request 队列中的单个爬取请求
type Request struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Host       string        `json:"host"`
	Depth      int           `json:"depth"`
	RetryCount int           `json:"retry_count"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	HandledAt  *time.Time    `json:"handled_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewRequest 创建新请求
func NewRequest(rawURL string, depth int) (*Request, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(rawURL)

	return &Request{
		ID:        generateID(),
		URL:       rawURL,
		Host:      parsed.Host,
		Depth:     depth,
		Status:    RequestStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// ToJSON 序列化为JSON
func (r *Request) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// RunStats 单次运行统计
type RunStats struct {
	RunID            string  `json:"run_id"`
	HandledRequests  int     `json:"handled_requests"`
	FailedRequests   int     `json:"failed_requests"`
	RetriedRequests  int     `json:"retried_requests"`
	DiscoveredURLs   int     `json:"discovered_urls"`
	RateLimitErrors  []int   `json:"rate_limit_errors"` // 按重试次数索引
	FinalConcurrency int     `json:"final_concurrency"`
	PeakConcurrency  int     `json:"peak_concurrency"`
	TotalBytes       int64   `json:"total_bytes"`
	Duration         float64 `json:"duration"` // 秒
}

// CrawlConfig 爬取配置
type CrawlConfig struct {
	Depth            int               `mapstructure:"depth" json:"depth"`                           // 爬取深度 (默认:2)
	Mode             CrawlMode         `mapstructure:"mode" json:"mode"`                             // 爬取模式 (默认:static)
	MaxRetries       int               `mapstructure:"max_retries" json:"max_retries"`               // 单个请求最大重试次数 (默认:3)
	RetryDelay       time.Duration     `mapstructure:"retry_delay" json:"retry_delay"`               // 限流重试的基础等待时间
	RequestTimeout   time.Duration     `mapstructure:"request_timeout" json:"request_timeout"`       // 单次HTTP请求超时
	AllowCrossDomain bool              `mapstructure:"allow_cross_domain" json:"allow_cross_domain"` // 是否允许跨域
	Headless         bool              `mapstructure:"headless" json:"headless"`                     // 无头浏览器
	UserAgent        string            `mapstructure:"user_agent" json:"user_agent"`
	Headers          map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// DefaultCrawlConfig 默认爬取配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		Depth:          2,
		Mode:           ModeStatic,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RequestTimeout: 30 * time.Second,
		Headless:       true,
	}
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.Depth < 0 || c.Depth > 10 {
		return fmt.Errorf("深度必须在0-10之间")
	}
	if c.Mode != ModeStatic && c.Mode != ModeDynamic {
		return fmt.Errorf("无效的爬取模式: %s (有效值: static, dynamic)", c.Mode)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("重试次数必须在0-10之间")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("重试等待时间不能为负数")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("请求超时必须大于0")
	}
	return nil
}
