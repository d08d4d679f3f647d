package crawlers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// FetchResult 单个请求的抓取结果
type FetchResult struct {
	URL        string
	StatusCode int
	Bytes      int64
	Links      []string
}

// Fetcher 抓取单个请求
type Fetcher interface {
	Fetch(ctx context.Context, req *models.Request) (*FetchResult, error)
	Close() error
}

// StaticFetcher 静态抓取器(使用Colly)
// 被限流(HTTP 429)时在内部重试,并按尝试次数记录到RateLimitStats
type StaticFetcher struct {
	config    models.CrawlConfig
	headers   http.Header
	stats     *RateLimitStats
	transport http.RoundTripper
}

// NewStaticFetcher 创建静态抓取器
func NewStaticFetcher(config models.CrawlConfig, headers http.Header, stats *RateLimitStats) *StaticFetcher {
	if stats == nil {
		stats = NewRateLimitStats()
	}
	// 跳过证书验证,允许访问自签名、过期的HTTPS站点
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		Proxy:           http.ProxyFromEnvironment,
	}
	return &StaticFetcher{
		config:    config,
		headers:   headers,
		stats:     stats,
		transport: transport,
	}
}

// Fetch 抓取请求并提取页面链接
func (sf *StaticFetcher) Fetch(ctx context.Context, req *models.Request) (*FetchResult, error) {
	attempts := sf.config.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, time.Duration(attempt)*sf.config.RetryDelay); err != nil {
				return nil, err
			}
		}

		result, err := sf.fetchOnce(ctx, req.URL)
		if result.StatusCode == http.StatusTooManyRequests {
			sf.stats.Record(attempt)
			utils.Debugf("请求被限流 [%s]: 第%d次尝试", req.URL, attempt+1)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("抓取失败 [%s]: %w", req.URL, err)
		}
		return result, nil
	}
	return nil, &RateLimitError{URL: req.URL, Attempts: attempts}
}

// Close 释放空闲连接
func (sf *StaticFetcher) Close() error {
	if t, ok := sf.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// fetchOnce 每次抓取使用独立的同步collector,避免共享访问记录
func (sf *StaticFetcher) fetchOnce(ctx context.Context, target string) (*FetchResult, error) {
	result := &FetchResult{URL: target}

	options := []colly.CollectorOption{colly.StdlibContext(ctx)}
	if sf.config.UserAgent != "" {
		options = append(options, colly.UserAgent(sf.config.UserAgent))
	}
	c := colly.NewCollector(options...)
	c.WithTransport(sf.transport)
	c.SetRequestTimeout(sf.config.RequestTimeout)

	c.OnRequest(func(r *colly.Request) {
		for name, values := range sf.headers {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})

	// OnResponse先于OnHTML执行,这里解压后的Body会被HTML回调使用
	c.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		if encoding := r.Headers.Get("Content-Encoding"); encoding != "" {
			body, err := decompressResponse(encoding, r.Body)
			if err != nil {
				utils.Debugf("解压响应失败 [%s] (编码=%s): %v", target, encoding, err)
			} else {
				r.Body = body
			}
		}
		result.Bytes = int64(len(r.Body))
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		result.Links = appendLink(result.Links, e.Request.AbsoluteURL(e.Attr("href")))
	})
	c.OnHTML("script[src]", func(e *colly.HTMLElement) {
		result.Links = appendLink(result.Links, e.Request.AbsoluteURL(e.Attr("src")))
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
	})

	err := c.Visit(target)
	return result, err
}

func appendLink(links []string, link string) []string {
	if link == "" || !strings.HasPrefix(link, "http") {
		return links
	}
	for _, l := range links {
		if l == link {
			return links
		}
	}
	return append(links, link)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decompressResponse 根据Content-Encoding头部解压响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		// colly的HTTP后端会自动解压gzip,此时body已不是gzip格式
		if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
			return body, nil
		}
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip读取失败: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decompressed, nil

	case "br":
		reader := brotli.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "", "identity":
		return body, nil

	default:
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
