package autoscaling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// 池级别默认保留更长的快照历史
const poolSnapshotHistory = 60 * time.Second

// PoolFuncs 调用方提供的三个回调,均为必需
type PoolFuncs struct {
	// RunTask 执行一个任务,返回错误会终止整个运行
	RunTask func(ctx context.Context) error
	// IsTaskReady 当前是否有可以立即开始的任务
	IsTaskReady func(ctx context.Context) (bool, error)
	// IsFinished 仅在没有运行中任务时调用,true表示运行结束
	IsFinished func(ctx context.Context) (bool, error)
}

// PoolStats 任务池状态快照
type PoolStats struct {
	RunID              string `json:"run_id"`
	MinConcurrency     int    `json:"min_concurrency"`
	MaxConcurrency     int    `json:"max_concurrency"`
	DesiredConcurrency int    `json:"desired_concurrency"`
	CurrentConcurrency int    `json:"current_concurrency"`
	PeakConcurrency    int    `json:"peak_concurrency"`
	TasksStarted       int    `json:"tasks_started"`
	TasksSucceeded     int    `json:"tasks_succeeded"`
	TasksFailed        int    `json:"tasks_failed"`
	IsStopped          bool   `json:"is_stopped"`
}

// PoolOption AutoscaledPool可选项
type PoolOption func(*poolOptions)

type poolOptions struct {
	snapshotter       *Snapshotter
	snapshotterConfig *models.SnapshotterConfig
	statusConfig      *models.SystemStatusConfig
	source            SystemInfoSource
	client            ClientStatsProvider
	status            StatusReporter
	metrics           *Metrics
	logger            *zerolog.Logger
	now               func() time.Time
}

// WithSnapshotter 注入已创建的Snapshotter,生命周期仍由任务池管理
func WithSnapshotter(s *Snapshotter) PoolOption {
	return func(o *poolOptions) { o.snapshotter = s }
}

// WithSnapshotterConfig 覆盖任务池内部创建Snapshotter时的配置
func WithSnapshotterConfig(cfg models.SnapshotterConfig) PoolOption {
	return func(o *poolOptions) { o.snapshotterConfig = &cfg }
}

// WithSystemStatusConfig 覆盖系统状态配置
func WithSystemStatusConfig(cfg models.SystemStatusConfig) PoolOption {
	return func(o *poolOptions) { o.statusConfig = &cfg }
}

// WithPoolSystemInfoSource 内部创建Snapshotter时使用的系统信息源
func WithPoolSystemInfoSource(source SystemInfoSource) PoolOption {
	return func(o *poolOptions) { o.source = source }
}

// WithPoolClientStats 内部创建Snapshotter时使用的客户端统计
func WithPoolClientStats(client ClientStatsProvider) PoolOption {
	return func(o *poolOptions) { o.client = client }
}

// WithStatusReporter 替换系统状态来源
func WithStatusReporter(status StatusReporter) PoolOption {
	return func(o *poolOptions) { o.status = status }
}

// WithMetrics 启用Prometheus指标
func WithMetrics(m *Metrics) PoolOption {
	return func(o *poolOptions) { o.metrics = m }
}

// WithPoolLogger 替换日志器
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = &logger }
}

// WithPoolClock 替换时钟(测试用)
func WithPoolClock(now func() time.Time) PoolOption {
	return func(o *poolOptions) { o.now = now }
}

// AutoscaledPool 自适应并发任务池
// 职责: 在动态调整的并发上限下执行调用方任务,并根据系统状态扩缩容
type AutoscaledPool struct {
	config      models.PoolConfig
	fns         PoolFuncs
	snapshotter *Snapshotter
	// 由任务池创建的快照采集器
	ownsSnapshotter bool
	status          StatusReporter
	metrics         *Metrics
	baseLog         zerolog.Logger
	now             func() time.Time

	mu                  sync.Mutex
	log                 zerolog.Logger
	minConcurrency      int
	maxConcurrency      int
	desiredConcurrency  int
	currentConcurrency  int
	peakConcurrency     int
	isStopped           bool
	queryingIsTaskReady bool
	queryingIsFinished  bool
	lastLoggingTime     time.Time
	tasksPerMinute      taskCounter
	tasksStarted        int
	tasksSucceeded      int
	tasksFailed         int

	// 单次运行状态
	runID        string
	generation   int
	running      bool
	resolved     bool
	result       chan error
	taskCtx      context.Context
	cancelTimers context.CancelFunc
	timersWg     sync.WaitGroup
	// 本次运行结束时是否停止快照采集器
	stopSnapshotter bool
}

// NewAutoscaledPool 创建任务池
// 配置错误在此返回,此时不会启动任何定时器
func NewAutoscaledPool(config models.PoolConfig, fns PoolFuncs, opts ...PoolOption) (*AutoscaledPool, error) {
	if fns.RunTask == nil {
		return nil, fmt.Errorf("%w: RunTask", ErrMissingCallback)
	}
	if fns.IsTaskReady == nil {
		return nil, fmt.Errorf("%w: IsTaskReady", ErrMissingCallback)
	}
	if fns.IsFinished == nil {
		return nil, fmt.Errorf("%w: IsFinished", ErrMissingCallback)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o poolOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &AutoscaledPool{
		config:             config,
		fns:                fns,
		metrics:            o.metrics,
		now:                time.Now,
		minConcurrency:     config.MinConcurrency,
		maxConcurrency:     config.MaxConcurrency,
		desiredConcurrency: config.DesiredConcurrency,
	}
	if p.desiredConcurrency == 0 {
		p.desiredConcurrency = config.MinConcurrency
	}
	if o.now != nil {
		p.now = o.now
	}
	if o.logger != nil {
		p.baseLog = *o.logger
	} else {
		p.baseLog = utils.Component("AutoscaledPool")
	}
	p.log = p.baseLog

	p.snapshotter = o.snapshotter
	if p.snapshotter == nil {
		snapshotterConfig := models.DefaultSnapshotterConfig()
		snapshotterConfig.SnapshotHistory = poolSnapshotHistory
		if o.snapshotterConfig != nil {
			snapshotterConfig = *o.snapshotterConfig
		}
		snapshotterOpts := []SnapshotterOption{}
		if o.source != nil {
			snapshotterOpts = append(snapshotterOpts, WithSystemInfoSource(o.source))
		}
		if o.client != nil {
			snapshotterOpts = append(snapshotterOpts, WithClientStats(o.client))
		}
		s, err := NewSnapshotter(snapshotterConfig, snapshotterOpts...)
		if err != nil {
			return nil, fmt.Errorf("创建快照采集器失败: %w", err)
		}
		p.snapshotter = s
		p.ownsSnapshotter = true
	}

	p.status = o.status
	if p.status == nil {
		statusConfig := models.DefaultSystemStatusConfig()
		if o.statusConfig != nil {
			statusConfig = *o.statusConfig
		}
		ss, err := NewSystemStatus(statusConfig, p.snapshotter)
		if err != nil {
			return nil, fmt.Errorf("创建系统状态聚合器失败: %w", err)
		}
		p.status = ss
	}

	return p, nil
}

// Run 启动任务池并阻塞直到运行结束
// IsFinished返回true或调用Abort时返回nil;任务或回调出错时返回该错误;ctx取消时返回ctx.Err()
func (p *AutoscaledPool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolRunning
	}
	p.running = true
	p.resolved = false
	p.isStopped = false
	p.queryingIsTaskReady = false
	p.queryingIsFinished = false
	p.currentConcurrency = 0
	p.peakConcurrency = 0
	p.tasksStarted, p.tasksSucceeded, p.tasksFailed = 0, 0, 0
	p.tasksPerMinute.reset()
	p.lastLoggingTime = time.Time{}
	p.generation++
	p.runID = uuid.New().String()
	p.log = p.baseLog.With().Str("run_id", p.runID).Logger()
	p.result = make(chan error, 1)
	p.taskCtx = ctx
	timerCtx, cancel := context.WithCancel(ctx)
	p.cancelTimers = cancel
	result := p.result
	runLog := p.log
	p.mu.Unlock()

	defer p.destroy()

	// 调用方已启动的快照采集器由调用方停止
	startedHere := p.ownsSnapshotter || !p.snapshotter.Running()
	if err := p.snapshotter.Start(timerCtx); err != nil {
		return fmt.Errorf("启动快照采集器失败: %w", err)
	}
	p.mu.Lock()
	p.stopSnapshotter = startedHere
	p.mu.Unlock()

	runLog.Info().
		Int("min_concurrency", p.MinConcurrency()).
		Int("max_concurrency", p.MaxConcurrency()).
		Int("desired_concurrency", p.DesiredConcurrency()).
		Msg("任务池开始运行")

	p.timersWg.Add(2)
	go p.maybeRunLoop(timerCtx)
	go p.autoscaleLoop(timerCtx)

	go p.maybeRunTask()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		p.mu.Lock()
		p.resolved = true
		p.isStopped = true
		p.mu.Unlock()
		return ctx.Err()
	}
}

// destroy 释放运行资源,无论运行如何结束都会执行
func (p *AutoscaledPool) destroy() {
	p.mu.Lock()
	p.resolved = true
	cancel := p.cancelTimers
	p.cancelTimers = nil
	stopSnapshotter := p.stopSnapshotter
	p.stopSnapshotter = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.timersWg.Wait()
	if stopSnapshotter {
		p.snapshotter.Stop()
	}

	p.mu.Lock()
	p.running = false
	stats := p.statsLocked()
	runLog := p.log
	p.mu.Unlock()

	runLog.Debug().
		Int("tasks_started", stats.TasksStarted).
		Int("tasks_succeeded", stats.TasksSucceeded).
		Int("tasks_failed", stats.TasksFailed).
		Msg("任务池已销毁")
}

// Abort 立即结束运行,不等待运行中的任务
// 运行中的任务不会被取消,其结果被忽略
func (p *AutoscaledPool) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.isStopped = true
	if p.running && p.resolveLocked(nil) {
		p.log.Info().Int("current_concurrency", p.currentConcurrency).Msg("任务池已中止")
	}
}

// Pause 暂停启动新任务并等待运行中任务全部结束
// timeout为0表示一直等待;超时返回*PauseTimeoutError,运行本身不受影响
func (p *AutoscaledPool) Pause(timeout time.Duration) error {
	p.mu.Lock()
	p.isStopped = true
	interval := p.config.MaybeRunInterval
	p.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.CurrentConcurrency() == 0 {
			return nil
		}
		select {
		case <-deadline:
			return &PauseTimeoutError{Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// Resume 恢复启动新任务,在下一次检查时生效
func (p *AutoscaledPool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isStopped = false
}

// Notify 立即检查是否有新任务可以启动
func (p *AutoscaledPool) Notify() {
	go p.maybeRunTask()
}

// maybeRunLoop 低并发时单个任务卡住也能继续触发准入检查
func (p *AutoscaledPool) maybeRunLoop(ctx context.Context) {
	defer p.timersWg.Done()

	ticker := time.NewTicker(p.config.MaybeRunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go p.maybeRunTask()
		}
	}
}

// autoscaleLoop 周期性扩缩容
func (p *AutoscaledPool) autoscaleLoop(ctx context.Context) {
	defer p.timersWg.Done()

	ticker := time.NewTicker(p.config.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.autoscale()
		}
	}
}

// canAdmitLocked 准入前置检查: 已停止、正在查询、已达并发上限时拒绝
func (p *AutoscaledPool) canAdmitLocked() bool {
	return p.running &&
		!p.resolved &&
		!p.isStopped &&
		!p.queryingIsTaskReady &&
		p.currentConcurrency < p.desiredConcurrency
}

// maybeRunTask 任务准入
func (p *AutoscaledPool) maybeRunTask() {
	p.mu.Lock()
	if !p.canAdmitLocked() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	status := p.status.GetCurrentStatus()

	p.mu.Lock()
	if !p.canAdmitLocked() {
		p.mu.Unlock()
		return
	}
	// 低于最小并发时即使过载也放行,保证不会完全停滞
	if !status.IsSystemIdle && p.currentConcurrency >= p.minConcurrency {
		p.mu.Unlock()
		return
	}
	p.queryingIsTaskReady = true
	gen := p.generation
	ctx := p.taskCtx
	p.mu.Unlock()

	ready, err := p.fns.IsTaskReady(ctx)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.queryingIsTaskReady = false

	if err != nil {
		p.failLocked(err, "IsTaskReady执行失败")
		p.mu.Unlock()
		return
	}
	if !ready {
		p.mu.Unlock()
		// 没有就绪任务可能意味着已经全部完成
		p.maybeFinish()
		return
	}

	now := p.now()
	// 放在就绪检查之后,避免即将结束的运行因计数多等一分钟
	if p.tasksPerMinute.exceeded(now, p.config.MaxTasksPerMinute) {
		p.mu.Unlock()
		return
	}
	if p.resolved || p.isStopped || p.currentConcurrency >= p.desiredConcurrency {
		p.mu.Unlock()
		return
	}

	p.currentConcurrency++
	if p.currentConcurrency > p.peakConcurrency {
		p.peakConcurrency = p.currentConcurrency
	}
	p.tasksPerMinute.add(now)
	p.tasksStarted++
	desired, current := p.desiredConcurrency, p.currentConcurrency
	p.mu.Unlock()

	p.metrics.observeConcurrency(desired, current)

	// 继续填满剩余容量
	go p.maybeRunTask()
	go p.runTask(ctx, gen)
}

// runTask 执行单个任务并在结束后再触发一次准入
func (p *AutoscaledPool) runTask(ctx context.Context, gen int) {
	err := p.executeTask(ctx)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.currentConcurrency--
	desired, current := p.desiredConcurrency, p.currentConcurrency
	if err != nil {
		p.tasksFailed++
		p.failLocked(err, "任务执行失败")
		p.mu.Unlock()
		p.metrics.taskSettled("failed")
		p.metrics.observeConcurrency(desired, current)
		return
	}
	p.tasksSucceeded++
	p.mu.Unlock()

	p.metrics.taskSettled("succeeded")
	p.metrics.observeConcurrency(desired, current)

	go p.maybeRunTask()
}

// executeTask 可选超时执行,超时后不等待任务本身结束
func (p *AutoscaledPool) executeTask(ctx context.Context) error {
	timeout := p.config.TaskTimeout
	if timeout <= 0 {
		return p.safeRunTask(ctx)
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.safeRunTask(taskCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &TaskTimeoutError{Timeout: timeout}
	}
}

// safeRunTask 把任务panic转换为错误
func (p *AutoscaledPool) safeRunTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务panic: %v", r)
		}
	}()
	return p.fns.RunTask(ctx)
}

// maybeFinish 没有运行中任务时询问调用方是否结束
func (p *AutoscaledPool) maybeFinish() {
	p.mu.Lock()
	if !p.running || p.resolved || p.queryingIsFinished || p.currentConcurrency != 0 {
		p.mu.Unlock()
		return
	}
	p.queryingIsFinished = true
	gen := p.generation
	ctx := p.taskCtx
	p.mu.Unlock()

	finished, err := p.fns.IsFinished(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}
	p.queryingIsFinished = false

	if err != nil {
		p.failLocked(err, "IsFinished执行失败")
		return
	}
	if finished && p.resolveLocked(nil) {
		p.log.Info().Int("tasks_succeeded", p.tasksSucceeded).Msg("所有任务已完成")
	}
}

// autoscale 根据历史系统状态调整期望并发
func (p *AutoscaledPool) autoscale() {
	now := p.now()

	p.mu.Lock()
	if !p.running || p.resolved || p.isStopped || p.tasksPerMinute.exceeded(now, p.config.MaxTasksPerMinute) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	status := p.status.GetHistoricalStatus()

	p.mu.Lock()
	direction := ""
	oldDesired := p.desiredConcurrency
	minCurrent := int(math.Floor(float64(p.desiredConcurrency) * p.config.DesiredConcurrencyRatio))

	if status.IsSystemIdle &&
		p.desiredConcurrency < p.maxConcurrency &&
		p.currentConcurrency >= minCurrent {
		p.scaleUpLocked()
		direction = "up"
	}
	if !status.IsSystemIdle && p.desiredConcurrency > p.minConcurrency {
		p.scaleDownLocked()
		direction = "down"
	}

	shouldLog := p.config.LoggingInterval > 0 && now.Sub(p.lastLoggingTime) >= p.config.LoggingInterval
	if shouldLog {
		p.lastLoggingTime = now
	}
	desired, current := p.desiredConcurrency, p.currentConcurrency
	runLog := p.log
	p.mu.Unlock()

	p.metrics.observeStatus(status)
	p.metrics.observeConcurrency(desired, current)

	if direction != "" {
		p.metrics.scaled(direction)
		runLog.Debug().
			Str("direction", direction).
			Int("old_desired_concurrency", oldDesired).
			Int("new_desired_concurrency", desired).
			Int("current_concurrency", current).
			Msg("调整期望并发")
	}

	if shouldLog {
		runLog.Info().
			Int("current_concurrency", current).
			Int("desired_concurrency", desired).
			Bool("is_system_idle", status.IsSystemIdle).
			Float64("mem_ratio", status.MemInfo.ActualRatio).
			Float64("event_loop_ratio", status.EventLoopInfo.ActualRatio).
			Float64("cpu_ratio", status.CPUInfo.ActualRatio).
			Float64("client_ratio", status.ClientInfo.ActualRatio).
			Msg("任务池状态")
	}
}

// scaleUpLocked 步长 max(1, ceil(desired×ratio)),不超过最大并发
func (p *AutoscaledPool) scaleUpLocked() {
	step := int(math.Ceil(float64(p.desiredConcurrency) * p.config.ScaleUpStepRatio))
	if step < 1 {
		step = 1
	}
	p.desiredConcurrency += step
	if p.desiredConcurrency > p.maxConcurrency {
		p.desiredConcurrency = p.maxConcurrency
	}
}

// scaleDownLocked 步长 max(1, ceil(desired×ratio)),不低于最小并发
func (p *AutoscaledPool) scaleDownLocked() {
	step := int(math.Ceil(float64(p.desiredConcurrency) * p.config.ScaleDownStepRatio))
	if step < 1 {
		step = 1
	}
	p.desiredConcurrency -= step
	if p.desiredConcurrency < p.minConcurrency {
		p.desiredConcurrency = p.minConcurrency
	}
}

// resolveLocked 结束本次运行,只有第一次调用生效
func (p *AutoscaledPool) resolveLocked(err error) bool {
	if p.resolved || p.result == nil {
		return false
	}
	p.resolved = true
	p.result <- err
	return true
}

// failLocked 只有第一个致命错误会成为运行结果,之后的错误只记录
func (p *AutoscaledPool) failLocked(err error, msg string) {
	if p.resolveLocked(err) {
		p.isStopped = true
		p.log.Error().Err(err).Msg(msg)
		return
	}
	p.log.Debug().Err(err).Msg(msg + "(运行已结束,忽略)")
}

// MinConcurrency 最小并发
func (p *AutoscaledPool) MinConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minConcurrency
}

// SetMinConcurrency 设置最小并发,期望并发低于新值时同步提升
func (p *AutoscaledPool) SetMinConcurrency(v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v < 1 || v > p.maxConcurrency {
		return &models.ConfigError{Field: "min_concurrency", Reason: fmt.Sprintf("必须在[1,%d]之间,当前值: %d", p.maxConcurrency, v)}
	}
	p.minConcurrency = v
	if p.desiredConcurrency < v {
		p.desiredConcurrency = v
	}
	return nil
}

// MaxConcurrency 最大并发
func (p *AutoscaledPool) MaxConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrency
}

// SetMaxConcurrency 设置最大并发,期望并发高于新值时同步降低
func (p *AutoscaledPool) SetMaxConcurrency(v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v < 1 || v < p.minConcurrency {
		return &models.ConfigError{Field: "max_concurrency", Reason: fmt.Sprintf("必须>=max(1,%d),当前值: %d", p.minConcurrency, v)}
	}
	p.maxConcurrency = v
	if p.desiredConcurrency > v {
		p.desiredConcurrency = v
	}
	return nil
}

// DesiredConcurrency 期望并发
func (p *AutoscaledPool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredConcurrency
}

// SetDesiredConcurrency 设置期望并发,必须在[min,max]之间
func (p *AutoscaledPool) SetDesiredConcurrency(v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v < p.minConcurrency || v > p.maxConcurrency {
		return &models.ConfigError{Field: "desired_concurrency", Reason: fmt.Sprintf("必须在[%d,%d]之间,当前值: %d", p.minConcurrency, p.maxConcurrency, v)}
	}
	p.desiredConcurrency = v
	return nil
}

// CurrentConcurrency 运行中的任务数
func (p *AutoscaledPool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// Stats 返回当前状态快照
func (p *AutoscaledPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *AutoscaledPool) statsLocked() PoolStats {
	return PoolStats{
		RunID:              p.runID,
		MinConcurrency:     p.minConcurrency,
		MaxConcurrency:     p.maxConcurrency,
		DesiredConcurrency: p.desiredConcurrency,
		CurrentConcurrency: p.currentConcurrency,
		PeakConcurrency:    p.peakConcurrency,
		TasksStarted:       p.tasksStarted,
		TasksSucceeded:     p.tasksSucceeded,
		TasksFailed:        p.tasksFailed,
		IsStopped:          p.isStopped,
	}
}
