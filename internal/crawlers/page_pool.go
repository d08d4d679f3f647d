package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

const (
	// 清理失败达到该次数后销毁标签页
	maxCleanFailures = 2

	cleanTimeout = 10 * time.Second
)

// PagePool 标签页池
// 职责: 复用浏览器标签页,数量上限由任务池的并发决定
type PagePool struct {
	browser *rod.Browser
	// 归还时重置标签页状态
	clean func(page *rod.Page) error
	log   zerolog.Logger

	mu        sync.Mutex
	idle      []*rod.Page
	failures  map[proto.TargetTargetID]int
	created   int
	destroyed int
	closed    bool
}

// NewPagePool 创建标签页池实例
func NewPagePool(browser *rod.Browser) *PagePool {
	pp := &PagePool{
		browser:  browser,
		failures: make(map[proto.TargetTargetID]int),
		log:      utils.Component("PagePool"),
	}
	pp.clean = pp.cleanPage
	return pp
}

// AcquirePage 获取一个标签页,没有空闲标签页时新建
func (pp *PagePool) AcquirePage(ctx context.Context) (*rod.Page, error) {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil, fmt.Errorf("标签页池已关闭")
	}
	if n := len(pp.idle); n > 0 {
		page := pp.idle[n-1]
		pp.idle = pp.idle[:n-1]
		pp.mu.Unlock()
		return page.Context(ctx), nil
	}
	pp.mu.Unlock()

	page, err := pp.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		pp.log.Error().Err(err).Msg("创建标签页失败,浏览器可能已崩溃")
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}

	pp.mu.Lock()
	pp.created++
	created := pp.created - pp.destroyed
	pp.mu.Unlock()

	pp.log.Debug().Int("pages", created).Msg("创建新标签页")
	return page.Context(ctx), nil
}

// ReleasePage 清理后归还标签页,清理多次失败的标签页直接销毁
func (pp *PagePool) ReleasePage(page *rod.Page) {
	if page == nil {
		return
	}
	// 归还的页面不再绑定任务的context
	page = page.Context(context.Background())

	if err := pp.clean(page); err != nil {
		pp.mu.Lock()
		pp.failures[page.TargetID]++
		count := pp.failures[page.TargetID]
		pp.mu.Unlock()

		pp.log.Warn().Err(err).Msgf("清理标签页状态失败 (第%d次失败)", count)
		if count >= maxCleanFailures {
			pp.destroyPage(page)
			return
		}
	} else {
		pp.mu.Lock()
		delete(pp.failures, page.TargetID)
		pp.mu.Unlock()
	}

	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		pp.destroyPage(page)
		return
	}
	pp.idle = append(pp.idle, page)
	pp.mu.Unlock()
}

// cleanPage 清理标签页状态
func (pp *PagePool) cleanPage(page *rod.Page) error {
	page = page.Timeout(cleanTimeout)
	defer page.CancelTimeout()
	if err := page.Navigate("about:blank"); err != nil {
		return fmt.Errorf("重置标签页失败: %w", err)
	}
	_, err := page.Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { localStorage.clear(); } catch (e) {}
			try { sessionStorage.clear(); } catch (e) {}
			return true;
		}`,
	})
	if err != nil {
		return fmt.Errorf("清理标签页状态失败: %w", err)
	}
	return nil
}

// destroyPage 销毁标签页
func (pp *PagePool) destroyPage(page *rod.Page) {
	pp.mu.Lock()
	delete(pp.failures, page.TargetID)
	pp.destroyed++
	pp.mu.Unlock()

	if err := page.Close(); err != nil {
		pp.log.Warn().Err(err).Msg("关闭标签页失败")
	}
}

// Size 当前存活的标签页数量
func (pp *PagePool) Size() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.created - pp.destroyed
}

// Close 关闭所有空闲标签页,使用中的标签页归还时销毁
func (pp *PagePool) Close() error {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil
	}
	pp.closed = true
	idle := pp.idle
	pp.idle = nil
	pp.mu.Unlock()

	for _, page := range idle {
		pp.destroyPage(page)
	}
	pp.log.Debug().Msg("标签页池已关闭")
	return nil
}
