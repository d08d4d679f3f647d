package autoscaling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/rs/zerolog"
)

const (
	// 只统计第三次尝试(索引2)时的限流错误,前两次的偶发错误不代表持续封锁
	clientErrorRetryIndex = 2

	// 内存严重过载警告的最小间隔
	criticalOverloadLogInterval = 10 * time.Second
)

// ClientStatsProvider 存储客户端统计
// RateLimitErrors 按重试次数索引的累计限流错误数
type ClientStatsProvider interface {
	RateLimitErrors() []int
}

// SnapshotterOption Snapshotter可选项
type SnapshotterOption func(*Snapshotter)

// WithSystemInfoSource 指定系统信息源,未指定时不产生内存和CPU快照
func WithSystemInfoSource(source SystemInfoSource) SnapshotterOption {
	return func(s *Snapshotter) { s.source = source }
}

// WithClientStats 指定存储客户端统计
func WithClientStats(client ClientStatsProvider) SnapshotterOption {
	return func(s *Snapshotter) { s.client = client }
}

// WithSnapshotterClock 替换时钟(测试用)
func WithSnapshotterClock(now func() time.Time) SnapshotterOption {
	return func(s *Snapshotter) { s.now = now }
}

// WithSnapshotterLogger 替换日志器
func WithSnapshotterLogger(logger zerolog.Logger) SnapshotterOption {
	return func(s *Snapshotter) { s.log = logger }
}

// Snapshotter 资源快照采集器
// 职责: 按资源维护有界、按时间裁剪的过载分类快照序列
type Snapshotter struct {
	config models.SnapshotterConfig
	source SystemInfoSource
	client ClientStatsProvider
	now    func() time.Time
	log    zerolog.Logger

	// Start时确定
	maxMemoryBytes int64

	// 保护快照历史
	mu                 sync.Mutex
	memorySnapshots    []models.MemorySnapshot
	cpuSnapshots       []models.CPUSnapshot
	eventLoopSnapshots []models.EventLoopSnapshot
	clientSnapshots    []models.ClientSnapshot
	lastCriticalWarnAt time.Time

	// 生命周期控制
	runMu       sync.Mutex
	running     bool
	cancelFunc  context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewSnapshotter 创建快照采集器
func NewSnapshotter(config models.SnapshotterConfig, opts ...SnapshotterOption) (*Snapshotter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshotter{
		config: config,
		now:    time.Now,
		log:    utils.Component("Snapshotter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 启动采集
// 清空历史,确定内存上限,订阅系统信息,启动调度延迟和客户端采样定时器
// 内存上限无法确定时只记录警告,不产生内存快照
func (s *Snapshotter) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}

	if err := s.resolveMaxMemory(); err != nil {
		// 只影响内存快照,其余资源照常采集
		s.log.Warn().Err(err).Msg("无法确定内存上限,本次运行不采集内存快照")
		s.maxMemoryBytes = 0
	}
	s.reset()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.running = true

	if s.source != nil {
		s.unsubscribe = s.source.Subscribe(s.onSystemInfo)
	}

	s.wg.Add(2)
	go s.runInterval(loopCtx, s.config.EventLoopSnapshotInterval, s.snapshotEventLoop)
	go s.runInterval(loopCtx, s.config.ClientSnapshotInterval, s.snapshotClient)

	s.log.Debug().
		Int64("max_memory_mb", s.maxMemoryBytes/(1024*1024)).
		Msg("快照采集器已启动")
	return nil
}

// Stop 停止采集
// 未调用Start时也可安全调用;返回前等待正在处理的回调完成
func (s *Snapshotter) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancelFunc
	unsubscribe := s.unsubscribe
	s.cancelFunc = nil
	s.unsubscribe = nil
	s.runMu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
}

// reset 清空上次运行的快照历史
func (s *Snapshotter) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySnapshots = nil
	s.cpuSnapshots = nil
	s.eventLoopSnapshots = nil
	s.clientSnapshots = nil
	s.lastCriticalWarnAt = time.Time{}
}

// resolveMaxMemory 显式配置优先,否则按总内存×可用比例向上取整
func (s *Snapshotter) resolveMaxMemory() error {
	if s.config.MaxMemoryBytes > 0 {
		s.maxMemoryBytes = s.config.MaxMemoryBytes
		return nil
	}
	if s.source == nil {
		return nil
	}
	total, err := s.source.TotalMemoryBytes()
	if err != nil {
		return fmt.Errorf("确定内存上限失败: %w", err)
	}
	s.maxMemoryBytes = int64(math.Ceil(float64(total) * s.config.AvailableMemoryRatio))
	return nil
}

// runInterval 先立即执行一次,之后每次执行完成后再等待interval
func (s *Snapshotter) runInterval(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	defer s.wg.Done()

	fn(s.now())

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(s.now())
			timer.Reset(interval)
		}
	}
}

// onSystemInfo 系统信息回调,生成内存和CPU快照
func (s *Snapshotter) onSystemInfo(info models.SystemInfo, err error) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.runMu.Unlock()
	defer s.wg.Done()

	if err != nil {
		// 单个资源不可用很常见,跳过本次即可
		s.log.Debug().Err(err).Msg("系统信息不可用,跳过本次内存和CPU快照")
		return
	}

	s.snapshotMemory(info)
	s.snapshotCPU(info)
}

func (s *Snapshotter) infoTime(info models.SystemInfo) time.Time {
	if info.CreatedAt.IsZero() {
		return s.now()
	}
	return info.CreatedAt
}

// snapshotMemory 内存快照
func (s *Snapshotter) snapshotMemory(info models.SystemInfo) {
	if s.maxMemoryBytes <= 0 {
		return
	}
	takenAt := s.infoTime(info)
	usedRatio := float64(info.MemCurrentBytes) / float64(s.maxMemoryBytes)

	snapshot := models.MemorySnapshot{
		SnapshotHeader: models.SnapshotHeader{
			TakenAt:      takenAt,
			IsOverloaded: usedRatio > s.config.MaxUsedMemoryRatio,
		},
		UsedBytes: info.MemCurrentBytes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isAfterLast(s.memorySnapshots, takenAt) {
		return
	}
	s.memorySnapshots = pruneSnapshots(s.memorySnapshots, takenAt, s.config.SnapshotHistory)
	s.memorySnapshots = append(s.memorySnapshots, snapshot)

	s.warnIfCritical(takenAt, info.MemCurrentBytes)
}

// warnIfCritical 超过阈值加剩余余量一半时告警,10秒内最多一次
func (s *Snapshotter) warnIfCritical(now time.Time, usedBytes int64) {
	ratio := s.config.MaxUsedMemoryRatio
	critical := float64(s.maxMemoryBytes) * (ratio + (1-ratio)/2)
	if float64(usedBytes) <= critical {
		return
	}
	if !s.lastCriticalWarnAt.IsZero() && now.Sub(s.lastCriticalWarnAt) < criticalOverloadLogInterval {
		return
	}
	s.lastCriticalWarnAt = now

	s.log.Warn().
		Int64("used_mb", usedBytes/(1024*1024)).
		Int64("max_mb", s.maxMemoryBytes/(1024*1024)).
		Float64("used_ratio", models.RoundRatio(float64(usedBytes)/float64(s.maxMemoryBytes))).
		Msg("内存严重过载,建议增加可用内存")
}

// snapshotCPU CPU快照,过载判定直接采用系统信息源的结论
func (s *Snapshotter) snapshotCPU(info models.SystemInfo) {
	takenAt := s.infoTime(info)
	snapshot := models.CPUSnapshot{
		SnapshotHeader: models.SnapshotHeader{
			TakenAt:      takenAt,
			IsOverloaded: info.IsCPUOverloaded,
		},
		UsedRatio: info.CPUCurrentUsage,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isAfterLast(s.cpuSnapshots, takenAt) {
		return
	}
	s.cpuSnapshots = pruneSnapshots(s.cpuSnapshots, takenAt, s.config.SnapshotHistory)
	s.cpuSnapshots = append(s.cpuSnapshots, snapshot)
}

// snapshotEventLoop 调度延迟快照
// 实际间隔比预期多出MaxBlocked以上即视为过载
func (s *Snapshotter) snapshotEventLoop(now time.Time) {
	snapshot := models.EventLoopSnapshot{
		SnapshotHeader: models.SnapshotHeader{TakenAt: now},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isAfterLast(s.eventLoopSnapshots, now) {
		return
	}
	s.eventLoopSnapshots = pruneSnapshots(s.eventLoopSnapshots, now, s.config.SnapshotHistory)

	if n := len(s.eventLoopSnapshots); n > 0 {
		previous := s.eventLoopSnapshots[n-1]
		delta := now.Sub(previous.TakenAt) - s.config.EventLoopSnapshotInterval
		if delta > s.config.MaxBlocked {
			snapshot.IsOverloaded = true
			exceeded := delta - s.config.MaxBlocked
			if exceeded < 0 {
				exceeded = 0
			}
			snapshot.ExceededMillis = exceeded.Milliseconds()
		}
	}

	s.eventLoopSnapshots = append(s.eventLoopSnapshots, snapshot)
}

// snapshotClient 存储客户端限流快照
func (s *Snapshotter) snapshotClient(now time.Time) {
	current := 0
	if s.client != nil {
		errorCounts := s.client.RateLimitErrors()
		if len(errorCounts) > clientErrorRetryIndex {
			current = errorCounts[clientErrorRetryIndex]
		}
	}

	snapshot := models.ClientSnapshot{
		SnapshotHeader:      models.SnapshotHeader{TakenAt: now},
		RateLimitErrorCount: current,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isAfterLast(s.clientSnapshots, now) {
		return
	}
	s.clientSnapshots = pruneSnapshots(s.clientSnapshots, now, s.config.SnapshotHistory)

	if n := len(s.clientSnapshots); n > 0 {
		delta := current - s.clientSnapshots[n-1].RateLimitErrorCount
		if delta > s.config.MaxClientErrors {
			snapshot.IsOverloaded = true
		}
	}

	s.clientSnapshots = append(s.clientSnapshots, snapshot)
}

// GetMemorySample 返回最近d内的内存快照,d为0时返回全部历史
func (s *Snapshotter) GetMemorySample(d time.Duration) []models.MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSample(s.memorySnapshots, d)
}

// GetCPUSample 返回最近d内的CPU快照
func (s *Snapshotter) GetCPUSample(d time.Duration) []models.CPUSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSample(s.cpuSnapshots, d)
}

// GetEventLoopSample 返回最近d内的调度延迟快照
func (s *Snapshotter) GetEventLoopSample(d time.Duration) []models.EventLoopSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSample(s.eventLoopSnapshots, d)
}

// GetClientSample 返回最近d内的客户端快照
func (s *Snapshotter) GetClientSample(d time.Duration) []models.ClientSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getSample(s.clientSnapshots, d)
}

// Running 是否正在采集
func (s *Snapshotter) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// MaxMemoryBytes Start时确定的内存上限,0表示不采集内存快照
func (s *Snapshotter) MaxMemoryBytes() int64 {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.maxMemoryBytes
}

// isAfterLast 保证历史严格按时间递增
func isAfterLast[T models.Snapshot](list []T, t time.Time) bool {
	n := len(list)
	return n == 0 || t.After(list[n-1].Time())
}

// pruneSnapshots 从头部删除早于now-history的快照
// 列表按时间有序,遇到第一个有效快照即停止
func pruneSnapshots[T models.Snapshot](list []T, now time.Time, history time.Duration) []T {
	idx := 0
	for idx < len(list) && now.Sub(list[idx].Time()) > history {
		idx++
	}
	if idx == 0 {
		return list
	}
	return append(list[:0], list[idx:]...)
}

// getSample 返回距最新快照d以内的后缀(副本)
func getSample[T models.Snapshot](list []T, d time.Duration) []T {
	n := len(list)
	if n == 0 {
		return []T{}
	}
	start := 0
	if d > 0 {
		latest := list[n-1].Time()
		start = n
		for start > 0 && latest.Sub(list[start-1].Time()) <= d {
			start--
		}
	}
	sample := make([]T, n-start)
	copy(sample, list[start:])
	return sample
}
