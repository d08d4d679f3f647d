package crawlers

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
)

var (
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("队列已关闭")
	// ErrAlreadyQueued URL已经入队过
	ErrAlreadyQueued = errors.New("URL已入队")
	// ErrDepthExceeded 超过最大深度
	ErrDepthExceeded = errors.New("深度超过限制")
	// ErrCrossDomain 跨域链接被过滤
	ErrCrossDomain = errors.New("跨域链接已过滤")
)

// RequestQueue 爬取请求队列
// 职责: 管理待处理、处理中和已完成的请求,支持并发安全的入队出队
type RequestQueue struct {
	mu sync.Mutex

	// 待处理请求(FIFO)
	pending []*models.Request

	// 处理中请求 ID -> Request
	inProgress map[string]*models.Request

	// 入过队的URL,保证每个URL只处理一次
	seen map[string]bool

	// 种子URL的主机,不允许跨域时只跟随这些主机
	allowedHosts map[string]bool

	allowCrossDomain bool
	maxDepth         int

	handled int
	failed  int
	retried int
	closed  bool
}

// NewRequestQueue 创建请求队列
func NewRequestQueue(allowCrossDomain bool, maxDepth int) *RequestQueue {
	return &RequestQueue{
		inProgress:       make(map[string]*models.Request),
		seen:             make(map[string]bool),
		allowedHosts:     make(map[string]bool),
		allowCrossDomain: allowCrossDomain,
		maxDepth:         maxDepth,
	}
}

// AddSeed 添加种子URL(深度0),其主机加入允许列表
func (q *RequestQueue) AddSeed(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URL格式无效: %w", err)
	}
	q.mu.Lock()
	q.allowedHosts[parsed.Host] = true
	q.mu.Unlock()

	return q.Push(rawURL, 0)
}

// Push 添加URL到待处理队列
// 检查URL有效性、深度限制、跨域过滤和重复
func (q *RequestQueue) Push(rawURL string, depth int) error {
	req, err := models.NewRequest(rawURL, depth)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if depth > q.maxDepth {
		return fmt.Errorf("%w: %d > %d", ErrDepthExceeded, depth, q.maxDepth)
	}
	if !q.allowCrossDomain && !q.allowedHosts[req.Host] {
		return fmt.Errorf("%w: %s", ErrCrossDomain, req.Host)
	}
	if q.seen[rawURL] {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, rawURL)
	}

	q.seen[rawURL] = true
	q.pending = append(q.pending, req)
	return nil
}

// Fetch 取出下一个待处理请求,队列为空时返回nil
// 不阻塞,取出的请求进入处理中状态
func (q *RequestQueue) Fetch() *models.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	req.Status = models.RequestStatusRunning
	q.inProgress[req.ID] = req
	return req
}

// MarkHandled 标记请求处理成功
func (q *RequestQueue) MarkHandled(req *models.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inProgress[req.ID]; !ok {
		return
	}
	delete(q.inProgress, req.ID)
	now := time.Now()
	req.Status = models.RequestStatusHandled
	req.HandledAt = &now
	q.handled++
}

// MarkFailed 标记请求重试耗尽
func (q *RequestQueue) MarkFailed(req *models.Request, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inProgress[req.ID]; !ok {
		return
	}
	delete(q.inProgress, req.ID)
	now := time.Now()
	req.Status = models.RequestStatusFailed
	req.HandledAt = &now
	if cause != nil {
		req.Error = cause.Error()
	}
	q.failed++
}

// Reclaim 把处理失败的请求放回队尾,重试次数加1
func (q *RequestQueue) Reclaim(req *models.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inProgress[req.ID]; !ok {
		return
	}
	delete(q.inProgress, req.ID)
	req.RetryCount++
	req.Status = models.RequestStatusPending
	q.pending = append(q.pending, req)
	q.retried++
}

// IsEmpty 没有待处理请求
func (q *RequestQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// IsFinished 没有待处理请求,也没有处理中请求
func (q *RequestQueue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inProgress) == 0
}

// PendingCount 待处理请求数量
func (q *RequestQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HandledCount 处理成功的请求数量
func (q *RequestQueue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handled
}

// FailedCount 重试耗尽的请求数量
func (q *RequestQueue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// RetriedCount 放回重试的次数
func (q *RequestQueue) RetriedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retried
}

// SeenCount 入过队的URL总数
func (q *RequestQueue) SeenCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

// Close 关闭队列,后续Push返回ErrQueueClosed
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
