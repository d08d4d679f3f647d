package crawlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-rod/rod"
)

func TestDynamicFetcherLaunchError(t *testing.T) {
	errLaunch := errors.New("no browser")
	fetcher := NewDynamicFetcher(testCrawlConfig(), nil, nil)

	launches := 0
	fetcher.launch = func() (*rod.Browser, error) {
		launches++
		return nil, errLaunch
	}

	for i := 0; i < 2; i++ {
		_, err := fetcher.Fetch(context.Background(), mustRequest(t, "https://example.com"))
		if !errors.Is(err, errLaunch) {
			t.Fatalf("期望启动错误, 实际 %v", err)
		}
	}
	// 启动失败不缓存,下次抓取重新启动
	if launches != 2 {
		t.Errorf("启动次数 = %d, 期望 2", launches)
	}
	if err := fetcher.Close(); err != nil {
		t.Errorf("未启动时关闭不应出错: %v", err)
	}
}

func TestDynamicFetcher(t *testing.T) {
	server := newTestServer(t)
	browser := newTestBrowser(t)

	stats := NewRateLimitStats()
	fetcher := NewDynamicFetcher(testCrawlConfig(), nil, stats)
	fetcher.launch = func() (*rod.Browser, error) { return browser, nil }
	defer fetcher.Close()

	t.Run("渲染后提取链接", func(t *testing.T) {
		result, err := fetcher.Fetch(context.Background(), mustRequest(t, server.URL+"/"))
		if err != nil {
			t.Fatalf("Fetch失败: %v", err)
		}
		if result.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d, 期望 200", result.StatusCode)
		}
		want := map[string]bool{
			server.URL + "/a":      true,
			server.URL + "/b":      true,
			server.URL + "/app.js": true,
		}
		for _, link := range result.Links {
			delete(want, link)
		}
		if len(want) != 0 {
			t.Errorf("缺少链接: %v, 实际 %v", want, result.Links)
		}
	})

	t.Run("持续限流", func(t *testing.T) {
		_, err := fetcher.Fetch(context.Background(), mustRequest(t, server.URL+"/always-limited"))
		var rateErr *RateLimitError
		if !errors.As(err, &rateErr) {
			t.Fatalf("期望RateLimitError, 实际 %v", err)
		}
		if got := stats.RateLimitErrors(); len(got) != 4 {
			t.Errorf("限流统计 = %v, 期望4次尝试", got)
		}
	})
}
