package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrBrowserCrashed 浏览器操作panic
var ErrBrowserCrashed = errors.New("浏览器崩溃")

// DynamicFetcher 动态抓取器(使用Rod)
// 每个任务占用一个标签页,渲染完成后从DOM中提取链接
type DynamicFetcher struct {
	config  models.CrawlConfig
	headers http.Header
	stats   *RateLimitStats

	// 浏览器在第一次抓取时启动
	mu       sync.Mutex
	browser  *rod.Browser
	pagePool *PagePool
	launch   func() (*rod.Browser, error)
}

// NewDynamicFetcher 创建动态抓取器
func NewDynamicFetcher(config models.CrawlConfig, headers http.Header, stats *RateLimitStats) *DynamicFetcher {
	if stats == nil {
		stats = NewRateLimitStats()
	}
	df := &DynamicFetcher{
		config:  config,
		headers: headers,
		stats:   stats,
	}
	df.launch = df.launchBrowser
	return df
}

// launchBrowser 启动浏览器
func (df *DynamicFetcher) launchBrowser() (*rod.Browser, error) {
	l := launcher.New().Headless(df.config.Headless)

	// 跳过证书验证,允许访问自签名、过期或主机名不匹配的HTTPS站点
	l = l.Set("ignore-certificate-errors")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	utils.Debugf("浏览器已启动: %s", controlURL)
	return browser, nil
}

func (df *DynamicFetcher) ensureBrowser() (*PagePool, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	if df.pagePool != nil {
		return df.pagePool, nil
	}
	browser, err := df.launch()
	if err != nil {
		return nil, err
	}
	df.browser = browser
	df.pagePool = NewPagePool(browser)
	return df.pagePool, nil
}

// Fetch 渲染页面并提取链接
// 文档响应为429时按尝试次数记录并重试
func (df *DynamicFetcher) Fetch(ctx context.Context, req *models.Request) (*FetchResult, error) {
	pool, err := df.ensureBrowser()
	if err != nil {
		return nil, err
	}

	attempts := df.config.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, time.Duration(attempt)*df.config.RetryDelay); err != nil {
				return nil, err
			}
		}

		result, err := df.fetchOnce(ctx, pool, req.URL)
		if result != nil && result.StatusCode == http.StatusTooManyRequests {
			df.stats.Record(attempt)
			utils.Debugf("页面被限流 [%s]: 第%d次尝试", req.URL, attempt+1)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("渲染失败 [%s]: %w", req.URL, err)
		}
		return result, nil
	}
	return nil, &RateLimitError{URL: req.URL, Attempts: attempts}
}

func (df *DynamicFetcher) fetchOnce(ctx context.Context, pool *PagePool, target string) (result *FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("浏览器操作panic [%s]: %v", target, r)
			err = fmt.Errorf("%w: %v", ErrBrowserCrashed, r)
		}
	}()

	result = &FetchResult{URL: target}

	page, err := pool.AcquirePage(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.ReleasePage(page)

	if len(df.headers) > 0 {
		dict := make([]string, 0, len(df.headers)*2)
		for name := range df.headers {
			dict = append(dict, name, df.headers.Get(name))
		}
		cleanup, err := page.SetExtraHeaders(dict)
		if err != nil {
			return nil, fmt.Errorf("设置请求头失败: %w", err)
		}
		defer cleanup()
	}
	if df.config.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: df.config.UserAgent}); err != nil {
			return nil, fmt.Errorf("设置User-Agent失败: %w", err)
		}
	}

	// 记录主文档的状态码
	var statusMu sync.Mutex
	status := 0
	go page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		statusMu.Lock()
		status = e.Response.Status
		statusMu.Unlock()
		return true
	})()

	timed := page.Timeout(df.config.RequestTimeout)
	defer timed.CancelTimeout()
	if err := timed.Navigate(target); err != nil {
		return result, fmt.Errorf("导航失败: %w", err)
	}
	if err := timed.WaitLoad(); err != nil {
		return result, fmt.Errorf("等待页面加载失败: %w", err)
	}

	statusMu.Lock()
	result.StatusCode = status
	statusMu.Unlock()
	if result.StatusCode == http.StatusTooManyRequests {
		return result, nil
	}

	content, err := timed.HTML()
	if err != nil {
		return result, fmt.Errorf("读取页面HTML失败: %w", err)
	}
	result.Bytes = int64(len(content))

	links, err := ExtractLinks(content, target)
	if err != nil {
		return result, err
	}
	result.Links = links
	return result, nil
}

// Close 关闭标签页池和浏览器
func (df *DynamicFetcher) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()

	if df.pagePool != nil {
		df.pagePool.Close()
		df.pagePool = nil
	}
	if df.browser != nil {
		err := df.browser.Close()
		df.browser = nil
		if err != nil {
			return fmt.Errorf("关闭浏览器失败: %w", err)
		}
		utils.Debugf("浏览器已关闭")
	}
	return nil
}
