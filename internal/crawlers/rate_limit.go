package crawlers

import (
	"fmt"
	"sync"
)

// RateLimitStats 限流错误统计
// 按请求内第几次尝试分别累计HTTP 429次数,供快照采集器判断客户端是否过载
type RateLimitStats struct {
	mu     sync.Mutex
	errors []int
}

// NewRateLimitStats 创建限流统计
func NewRateLimitStats() *RateLimitStats {
	return &RateLimitStats{}
}

// Record 记录一次限流错误,attempt从0开始
func (s *RateLimitStats) Record(attempt int) {
	if attempt < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.errors) <= attempt {
		s.errors = append(s.errors, 0)
	}
	s.errors[attempt]++
}

// RateLimitErrors 返回按尝试次数索引的累计错误数(副本)
func (s *RateLimitStats) RateLimitErrors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(s.errors))
	copy(out, s.errors)
	return out
}

// RateLimitError 重试耗尽后仍被限流
type RateLimitError struct {
	URL      string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("请求被限流 [%s]: 已尝试%d次", e.URL, e.Attempts)
}
