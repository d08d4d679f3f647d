package crawlers

import (
	"context"
	"errors"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// newTestBrowser 启动无头浏览器,本机没有浏览器时跳过
func newTestBrowser(t *testing.T) *rod.Browser {
	t.Helper()
	path, has := launcher.LookPath()
	if !has {
		t.Skip("未找到浏览器,跳过")
	}
	controlURL, err := launcher.New().Bin(path).Headless(true).Launch()
	if err != nil {
		t.Skipf("启动浏览器失败: %v", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		t.Skipf("连接浏览器失败: %v", err)
	}
	t.Cleanup(func() { browser.Close() })
	return browser
}

func TestPagePoolCleanFailures(t *testing.T) {
	errClean := errors.New("clean failed")

	tests := []struct {
		name      string
		results   []error // 每次归还时的清理结果
		wantSize  int
		wantReuse bool // 最后一次归还后标签页是否仍可复用
	}{
		{"清理成功保留", []error{nil}, 1, true},
		{"失败一次仍保留", []error{errClean}, 1, true},
		{"连续失败两次销毁", []error{errClean, errClean}, 0, false},
		{"成功后失败计数清零", []error{errClean, nil, errClean}, 1, true},
	}

	browser := newTestBrowser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPagePool(browser)
			defer pool.Close()

			step := 0
			pool.clean = func(page *rod.Page) error {
				err := tt.results[step]
				step++
				return err
			}

			var first *rod.Page
			for range tt.results {
				page, err := pool.AcquirePage(context.Background())
				if err != nil {
					t.Fatalf("获取标签页失败: %v", err)
				}
				if first == nil {
					first = page
				} else if page.TargetID != first.TargetID {
					t.Fatal("应复用同一个标签页")
				}
				pool.ReleasePage(page)
			}

			if got := pool.Size(); got != tt.wantSize {
				t.Errorf("Size = %d, 期望 %d", got, tt.wantSize)
			}

			page, err := pool.AcquirePage(context.Background())
			if err != nil {
				t.Fatalf("获取标签页失败: %v", err)
			}
			if reused := page.TargetID == first.TargetID; reused != tt.wantReuse {
				t.Errorf("复用 = %v, 期望 %v", reused, tt.wantReuse)
			}
			pool.clean = func(*rod.Page) error { return nil }
			pool.ReleasePage(page)
		})
	}
}

func TestPagePoolClose(t *testing.T) {
	browser := newTestBrowser(t)
	pool := NewPagePool(browser)

	page, err := pool.AcquirePage(context.Background())
	if err != nil {
		t.Fatalf("获取标签页失败: %v", err)
	}
	pool.ReleasePage(page)
	if pool.Size() != 1 {
		t.Fatalf("Size = %d, 期望 1", pool.Size())
	}

	pool.Close()
	if pool.Size() != 0 {
		t.Errorf("关闭后Size = %d, 期望 0", pool.Size())
	}
	if _, err := pool.AcquirePage(context.Background()); err == nil {
		t.Error("关闭后获取标签页应返回错误")
	}
	// 重复关闭无副作用
	pool.Close()
}
