package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/autoscaling"
	"github.com/RecoveryAshes/crawlscale/internal/crawlers"
	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
)

// ProgressFunc 每处理完一个请求调用一次
type ProgressFunc func(done, total int)

// CrawlerOption Crawler可选项
type CrawlerOption func(*crawlerOptions)

type crawlerOptions struct {
	fetcher  crawlers.Fetcher
	source   autoscaling.SystemInfoSource
	metrics  *autoscaling.Metrics
	progress ProgressFunc
}

// WithFetcher 替换抓取器
func WithFetcher(f crawlers.Fetcher) CrawlerOption {
	return func(o *crawlerOptions) { o.fetcher = f }
}

// WithSystemInfoSource 替换系统信息源,默认使用gopsutil采样本机
func WithSystemInfoSource(source autoscaling.SystemInfoSource) CrawlerOption {
	return func(o *crawlerOptions) { o.source = source }
}

// WithCrawlerMetrics 启用任务池指标
func WithCrawlerMetrics(m *autoscaling.Metrics) CrawlerOption {
	return func(o *crawlerOptions) { o.metrics = m }
}

// WithProgress 设置进度回调
func WithProgress(fn ProgressFunc) CrawlerOption {
	return func(o *crawlerOptions) { o.progress = fn }
}

// Crawler 主爬取器协调器
// 职责: 把请求队列和抓取器绑定为任务池的三个回调,汇总运行统计
type Crawler struct {
	config *Config
	seeds  []string

	queue   *crawlers.RequestQueue
	stats   *crawlers.RateLimitStats
	fetcher crawlers.Fetcher
	pool    *autoscaling.AutoscaledPool

	// 由Crawler创建时负责关闭
	ownSource *autoscaling.GopsutilSource

	progress   ProgressFunc
	totalBytes atomic.Int64
	discovered atomic.Int64
}

// NewCrawler 创建主爬取器
// headers为合并后的自定义请求头,可以为nil
func NewCrawler(seeds []string, config *Config, headers http.Header, opts ...CrawlerOption) (*Crawler, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("没有提供种子URL")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o crawlerOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Crawler{
		config:   config,
		seeds:    seeds,
		queue:    crawlers.NewRequestQueue(config.Crawl.AllowCrossDomain, config.Crawl.Depth),
		stats:    crawlers.NewRateLimitStats(),
		progress: o.progress,
	}

	for _, seed := range seeds {
		if err := c.queue.AddSeed(seed); err != nil {
			if errors.Is(err, crawlers.ErrAlreadyQueued) {
				continue
			}
			return nil, fmt.Errorf("添加种子URL失败 [%s]: %w", seed, err)
		}
	}

	c.fetcher = o.fetcher
	if c.fetcher == nil {
		switch config.Crawl.Mode {
		case models.ModeDynamic:
			c.fetcher = crawlers.NewDynamicFetcher(config.Crawl, headers, c.stats)
		default:
			c.fetcher = crawlers.NewStaticFetcher(config.Crawl, headers, c.stats)
		}
	}

	source := o.source
	if source == nil {
		gs, err := autoscaling.NewGopsutilSource(config.SystemInfo)
		if err != nil {
			return nil, fmt.Errorf("创建系统信息源失败: %w", err)
		}
		c.ownSource = gs
		source = gs
	}

	pool, err := autoscaling.NewAutoscaledPool(config.Pool, autoscaling.PoolFuncs{
		RunTask:     c.runTask,
		IsTaskReady: c.isTaskReady,
		IsFinished:  c.isFinished,
	},
		autoscaling.WithSnapshotterConfig(config.Snapshotter),
		autoscaling.WithSystemStatusConfig(config.SystemStatus),
		autoscaling.WithPoolSystemInfoSource(source),
		autoscaling.WithPoolClientStats(c.stats),
		autoscaling.WithMetrics(o.metrics),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("创建任务池失败: %w", err)
	}
	c.pool = pool

	return c, nil
}

// Run 执行爬取直到队列处理完毕、被中止或ctx取消
// 即使返回错误也会返回已收集的统计信息
func (c *Crawler) Run(ctx context.Context) (*models.RunStats, error) {
	startTime := time.Now()

	utils.Infof("🚀 开始爬取任务")
	utils.Infof("种子URL: %d 个", len(c.seeds))
	utils.Infof("爬取模式: %s, 深度: %d", c.config.Crawl.Mode, c.config.Crawl.Depth)
	utils.Infof("并发范围: %d-%d", c.config.Pool.MinConcurrency, c.config.Pool.MaxConcurrency)

	err := c.pool.Run(ctx)
	c.queue.Close()

	stats := c.collectStats(time.Since(startTime))
	if err != nil {
		return stats, fmt.Errorf("爬取任务失败: %w", err)
	}

	utils.Infof("✅ 爬取任务完成")
	utils.Infof("成功: %d, 失败: %d, 重试: %d", stats.HandledRequests, stats.FailedRequests, stats.RetriedRequests)
	utils.Infof("峰值并发: %d, 总耗时: %.2f秒", stats.PeakConcurrency, stats.Duration)
	return stats, nil
}

// Abort 立即结束运行,运行中的请求结果被忽略
func (c *Crawler) Abort() {
	c.pool.Abort()
}

// Close 释放抓取器和系统信息源
func (c *Crawler) Close() error {
	if c.ownSource != nil {
		c.ownSource.Close()
	}
	if c.fetcher != nil {
		return c.fetcher.Close()
	}
	return nil
}

// runTask 处理队列中的下一个请求
// 抓取失败只影响该请求,不会终止整个运行
func (c *Crawler) runTask(ctx context.Context) error {
	req := c.queue.Fetch()
	if req == nil {
		return nil
	}

	result, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.handleFailure(req, result, err)
		c.reportProgress()
		return nil
	}

	c.totalBytes.Add(result.Bytes)
	if req.Depth < c.config.Crawl.Depth && len(result.Links) > 0 {
		added := crawlers.EnqueueLinks(c.queue, result.Links, req.Depth+1)
		if added > 0 {
			c.discovered.Add(int64(added))
			utils.Debugf("发现 %d 个新链接 [%s]", added, req.URL)
		}
	}
	c.queue.MarkHandled(req)
	c.reportProgress()

	// 新链接入队后立即尝试填满并发
	c.pool.Notify()
	return nil
}

// handleFailure 可重试的错误放回队列,否则标记失败
func (c *Crawler) handleFailure(req *models.Request, result *crawlers.FetchResult, err error) {
	var rateErr *crawlers.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		// 抓取器内部已重试
		utils.Warnf("请求持续被限流,放弃 [%s]", req.URL)
		c.queue.MarkFailed(req, err)
	case result != nil && result.StatusCode >= 400 && result.StatusCode < 500:
		utils.Debugf("请求失败 [%s]: HTTP %d", req.URL, result.StatusCode)
		c.queue.MarkFailed(req, err)
	case req.RetryCount < c.config.Crawl.MaxRetries:
		utils.Debugf("请求失败,稍后重试 (第%d次) [%s]: %v", req.RetryCount+1, req.URL, err)
		c.queue.Reclaim(req)
	default:
		utils.Warnf("请求重试耗尽 [%s]: %v", req.URL, err)
		c.queue.MarkFailed(req, err)
	}
}

func (c *Crawler) isTaskReady(ctx context.Context) (bool, error) {
	return !c.queue.IsEmpty(), nil
}

func (c *Crawler) isFinished(ctx context.Context) (bool, error) {
	return c.queue.IsFinished(), nil
}

func (c *Crawler) reportProgress() {
	if c.progress == nil {
		return
	}
	c.progress(c.queue.HandledCount()+c.queue.FailedCount(), c.queue.SeenCount())
}

// collectStats 汇总运行统计
func (c *Crawler) collectStats(duration time.Duration) *models.RunStats {
	poolStats := c.pool.Stats()
	return &models.RunStats{
		RunID:            poolStats.RunID,
		HandledRequests:  c.queue.HandledCount(),
		FailedRequests:   c.queue.FailedCount(),
		RetriedRequests:  c.queue.RetriedCount(),
		DiscoveredURLs:   int(c.discovered.Load()),
		RateLimitErrors:  c.stats.RateLimitErrors(),
		FinalConcurrency: poolStats.DesiredConcurrency,
		PeakConcurrency:  poolStats.PeakConcurrency,
		TotalBytes:       c.totalBytes.Load(),
		Duration:         duration.Seconds(),
	}
}
