package autoscaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

// fakeStatus 可控的系统状态
type fakeStatus struct {
	mu   sync.Mutex
	idle bool
}

func (f *fakeStatus) setIdle(idle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = idle
}

func (f *fakeStatus) verdict() models.SystemVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.SystemVerdict{IsSystemIdle: f.idle}
}

func (f *fakeStatus) GetCurrentStatus() models.SystemVerdict    { return f.verdict() }
func (f *fakeStatus) GetHistoricalStatus() models.SystemVerdict { return f.verdict() }

// workload 固定数量的任务
type workload struct {
	mu      sync.Mutex
	pending int
	done    int
	running int
	peak    int
	delay   time.Duration
}

func (w *workload) funcs() PoolFuncs {
	return PoolFuncs{
		RunTask: func(ctx context.Context) error {
			w.mu.Lock()
			if w.pending == 0 {
				w.mu.Unlock()
				return nil
			}
			w.pending--
			w.running++
			if w.running > w.peak {
				w.peak = w.running
			}
			w.mu.Unlock()

			time.Sleep(w.delay)

			w.mu.Lock()
			w.running--
			w.done++
			w.mu.Unlock()
			return nil
		},
		IsTaskReady: func(ctx context.Context) (bool, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.pending > 0, nil
		},
		IsFinished: func(ctx context.Context) (bool, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.pending == 0, nil
		},
	}
}

func (w *workload) stats() (done, peak int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done, w.peak
}

// blockingFuncs 任务一直阻塞到release被关闭
func blockingFuncs(release <-chan struct{}) PoolFuncs {
	return PoolFuncs{
		RunTask: func(ctx context.Context) error {
			<-release
			return nil
		},
		IsTaskReady: func(ctx context.Context) (bool, error) { return true, nil },
		IsFinished:  func(ctx context.Context) (bool, error) { return false, nil },
	}
}

func testPoolConfig() models.PoolConfig {
	config := models.DefaultPoolConfig()
	config.MinConcurrency = 1
	config.MaxConcurrency = 10
	config.MaybeRunInterval = 5 * time.Millisecond
	config.AutoscaleInterval = time.Hour
	config.LoggingInterval = 0
	return config
}

func newTestPool(t *testing.T, config models.PoolConfig, fns PoolFuncs, status StatusReporter, opts ...PoolOption) *AutoscaledPool {
	t.Helper()
	opts = append([]PoolOption{WithStatusReporter(status), WithPoolLogger(zerolog.Nop())}, opts...)
	p, err := NewAutoscaledPool(config, fns, opts...)
	if err != nil {
		t.Fatalf("创建任务池失败: %v", err)
	}
	return p
}

func runAsync(ctx context.Context, p *AutoscaledPool) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func waitResult(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("Run未在预期时间内返回")
		return nil
	}
}

func TestNewAutoscaledPoolValidation(t *testing.T) {
	valid := (&workload{}).funcs()

	tests := []struct {
		name       string
		mutate     func(*models.PoolConfig, *PoolFuncs)
		wantConfig bool
	}{
		{"缺少RunTask", func(c *models.PoolConfig, f *PoolFuncs) { f.RunTask = nil }, false},
		{"缺少IsTaskReady", func(c *models.PoolConfig, f *PoolFuncs) { f.IsTaskReady = nil }, false},
		{"缺少IsFinished", func(c *models.PoolConfig, f *PoolFuncs) { f.IsFinished = nil }, false},
		{"最小并发为0", func(c *models.PoolConfig, f *PoolFuncs) { c.MinConcurrency = 0 }, true},
		{"最小并发大于最大并发", func(c *models.PoolConfig, f *PoolFuncs) { c.MinConcurrency = 20 }, true},
		{"期望并发超出范围", func(c *models.PoolConfig, f *PoolFuncs) { c.DesiredConcurrency = 11 }, true},
		{"扩容比例无效", func(c *models.PoolConfig, f *PoolFuncs) { c.ScaleUpStepRatio = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testPoolConfig()
			fns := valid
			tt.mutate(&config, &fns)

			_, err := NewAutoscaledPool(config, fns, WithPoolLogger(zerolog.Nop()))
			if err == nil {
				t.Fatal("期望返回错误")
			}
			var configErr *models.ConfigError
			if tt.wantConfig && !errors.As(err, &configErr) {
				t.Errorf("期望ConfigError, 实际: %v", err)
			}
			if !tt.wantConfig && !errors.Is(err, ErrMissingCallback) {
				t.Errorf("期望ErrMissingCallback, 实际: %v", err)
			}
		})
	}
}

func TestPoolRunsAllTasks(t *testing.T) {
	w := &workload{pending: 20, delay: 5 * time.Millisecond}
	config := testPoolConfig()
	config.DesiredConcurrency = 5

	p := newTestPool(t, config, w.funcs(), &fakeStatus{idle: true})
	err := waitResult(t, runAsync(context.Background(), p), 5*time.Second)
	if err != nil {
		t.Fatalf("Run返回错误: %v", err)
	}

	done, peak := w.stats()
	if done != 20 {
		t.Errorf("完成任务数 = %d, 期望 20", done)
	}
	if peak > 5 {
		t.Errorf("峰值并发 = %d, 不应超过期望并发 5", peak)
	}

	stats := p.Stats()
	if stats.PeakConcurrency > stats.DesiredConcurrency {
		t.Errorf("PeakConcurrency %d 超过 DesiredConcurrency %d", stats.PeakConcurrency, stats.DesiredConcurrency)
	}
	if stats.CurrentConcurrency != 0 {
		t.Errorf("结束后 CurrentConcurrency = %d, 期望 0", stats.CurrentConcurrency)
	}
	if stats.TasksSucceeded != stats.TasksStarted {
		t.Errorf("成功 %d 与启动 %d 不一致", stats.TasksSucceeded, stats.TasksStarted)
	}
	if stats.RunID == "" {
		t.Error("RunID不应为空")
	}
}

func TestPoolLivenessUnderOverload(t *testing.T) {
	w := &workload{pending: 5, delay: 2 * time.Millisecond}
	config := testPoolConfig()
	config.DesiredConcurrency = 3

	// 持续过载时仍以最小并发运行
	p := newTestPool(t, config, w.funcs(), &fakeStatus{idle: false})
	err := waitResult(t, runAsync(context.Background(), p), 5*time.Second)
	if err != nil {
		t.Fatalf("Run返回错误: %v", err)
	}

	done, peak := w.stats()
	if done != 5 {
		t.Errorf("完成任务数 = %d, 期望 5", done)
	}
	if peak != 1 {
		t.Errorf("峰值并发 = %d, 过载时期望 1", peak)
	}
}

func TestPoolAutoscale(t *testing.T) {
	tests := []struct {
		name        string
		min, max    int
		desired     int
		current     int
		idle        bool
		wantDesired int
	}{
		{"空闲且接近上限时扩容", 1, 20, 10, 10, true, 11},
		{"并发未达到比例不扩容", 1, 20, 10, 8, true, 10},
		{"已达最大并发不扩容", 1, 20, 20, 20, true, 20},
		{"按比例扩容", 1, 200, 100, 100, true, 105},
		{"扩容不超过最大并发", 1, 102, 100, 100, true, 102},
		{"过载时缩容", 1, 20, 2, 2, false, 1},
		{"已是最小并发不缩容", 1, 20, 1, 1, false, 1},
		{"按比例缩容", 1, 200, 100, 50, false, 95},
		{"缩容不低于最小并发", 98, 200, 100, 50, false, 98},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testPoolConfig()
			config.MinConcurrency = tt.min
			config.MaxConcurrency = tt.max
			config.DesiredConcurrency = tt.desired

			p := newTestPool(t, config, (&workload{}).funcs(), &fakeStatus{idle: tt.idle})
			p.running = true
			p.currentConcurrency = tt.current

			p.autoscale()

			if got := p.DesiredConcurrency(); got != tt.wantDesired {
				t.Errorf("DesiredConcurrency = %d, 期望 %d", got, tt.wantDesired)
			}
		})
	}
}

func TestPoolAutoscaleSkippedWhenStopped(t *testing.T) {
	config := testPoolConfig()
	config.DesiredConcurrency = 5

	p := newTestPool(t, config, (&workload{}).funcs(), &fakeStatus{idle: false})
	p.running = true
	p.isStopped = true

	p.autoscale()

	if got := p.DesiredConcurrency(); got != 5 {
		t.Errorf("暂停时不应调整, DesiredConcurrency = %d", got)
	}
}

func TestPoolErrorPropagation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PoolFuncs)
	}{
		{"任务失败", func(f *PoolFuncs) {
			f.RunTask = func(ctx context.Context) error { return errBoom }
		}},
		{"IsTaskReady失败", func(f *PoolFuncs) {
			f.IsTaskReady = func(ctx context.Context) (bool, error) { return false, errBoom }
		}},
		{"IsFinished失败", func(f *PoolFuncs) {
			f.IsTaskReady = func(ctx context.Context) (bool, error) { return false, nil }
			f.IsFinished = func(ctx context.Context) (bool, error) { return false, errBoom }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fns := (&workload{pending: 3}).funcs()
			tt.mutate(&fns)

			p := newTestPool(t, testPoolConfig(), fns, &fakeStatus{idle: true})
			err := waitResult(t, runAsync(context.Background(), p), 5*time.Second)
			if !errors.Is(err, errBoom) {
				t.Errorf("期望errBoom, 实际: %v", err)
			}
		})
	}
}

func TestPoolTaskPanic(t *testing.T) {
	fns := (&workload{pending: 1}).funcs()
	fns.RunTask = func(ctx context.Context) error { panic("unexpected") }

	p := newTestPool(t, testPoolConfig(), fns, &fakeStatus{idle: true})
	err := waitResult(t, runAsync(context.Background(), p), 5*time.Second)
	if err == nil {
		t.Fatal("任务panic应作为错误返回")
	}
}

func TestPoolTaskTimeout(t *testing.T) {
	config := testPoolConfig()
	config.TaskTimeout = 20 * time.Millisecond

	fns := (&workload{pending: 1}).funcs()
	fns.RunTask = func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	p := newTestPool(t, config, fns, &fakeStatus{idle: true})
	err := waitResult(t, runAsync(context.Background(), p), 200*time.Millisecond)

	var timeoutErr *TaskTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("期望TaskTimeoutError, 实际: %v", err)
	}
	if timeoutErr.Timeout != 20*time.Millisecond {
		t.Errorf("Timeout = %v, 期望 20ms", timeoutErr.Timeout)
	}
}

func TestPoolAbortDoesNotWaitForTasks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := newTestPool(t, testPoolConfig(), blockingFuncs(release), &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)

	waitFor(t, func() bool { return p.CurrentConcurrency() == 1 }, 2*time.Second)
	p.Abort()

	if err := waitResult(t, done, time.Second); err != nil {
		t.Errorf("Abort后Run应返回nil, 实际: %v", err)
	}
	if p.CurrentConcurrency() != 1 {
		t.Error("Abort不应取消运行中的任务")
	}
}

func TestPoolContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPool(t, testPoolConfig(), blockingFuncs(release), &fakeStatus{idle: true})
	done := runAsync(ctx, p)

	waitFor(t, func() bool { return p.CurrentConcurrency() == 1 }, 2*time.Second)
	cancel()

	if err := waitResult(t, done, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("期望context.Canceled, 实际: %v", err)
	}
}

func TestPoolRunTwice(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := newTestPool(t, testPoolConfig(), blockingFuncs(release), &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)
	waitFor(t, func() bool { return p.CurrentConcurrency() == 1 }, 2*time.Second)

	if err := p.Run(context.Background()); !errors.Is(err, ErrPoolRunning) {
		t.Errorf("期望ErrPoolRunning, 实际: %v", err)
	}

	p.Abort()
	waitResult(t, done, time.Second)
}

func TestPoolPauseResume(t *testing.T) {
	w := &workload{pending: 1000, delay: 10 * time.Millisecond}
	config := testPoolConfig()
	config.DesiredConcurrency = 2

	p := newTestPool(t, config, w.funcs(), &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)

	waitFor(t, func() bool { return p.Stats().TasksStarted > 0 }, 2*time.Second)

	if err := p.Pause(2 * time.Second); err != nil {
		t.Fatalf("Pause失败: %v", err)
	}
	if got := p.CurrentConcurrency(); got != 0 {
		t.Fatalf("Pause返回后 CurrentConcurrency = %d, 期望 0", got)
	}

	started := p.Stats().TasksStarted
	time.Sleep(50 * time.Millisecond)
	if got := p.Stats().TasksStarted; got != started {
		t.Errorf("暂停期间启动了新任务: %d -> %d", started, got)
	}

	p.Resume()
	waitFor(t, func() bool { return p.Stats().TasksStarted > started }, 2*time.Second)

	p.Abort()
	if err := waitResult(t, done, time.Second); err != nil {
		t.Errorf("Run返回错误: %v", err)
	}
}

func TestPoolPauseTimeout(t *testing.T) {
	release := make(chan struct{})

	p := newTestPool(t, testPoolConfig(), blockingFuncs(release), &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)
	waitFor(t, func() bool { return p.CurrentConcurrency() == 1 }, 2*time.Second)

	err := p.Pause(30 * time.Millisecond)
	var pauseErr *PauseTimeoutError
	if !errors.As(err, &pauseErr) {
		t.Errorf("期望PauseTimeoutError, 实际: %v", err)
	}

	close(release)
	p.Abort()
	waitResult(t, done, time.Second)
}

func TestPoolMaxTasksPerMinute(t *testing.T) {
	w := &workload{pending: 100}
	config := testPoolConfig()
	config.DesiredConcurrency = 5
	config.MaxTasksPerMinute = 3

	p := newTestPool(t, config, w.funcs(), &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)

	time.Sleep(100 * time.Millisecond)
	p.Abort()
	if err := waitResult(t, done, time.Second); err != nil {
		t.Fatalf("Run返回错误: %v", err)
	}

	if got := p.Stats().TasksStarted; got != 3 {
		t.Errorf("一分钟内启动任务数 = %d, 期望 3", got)
	}
}

func TestPoolNotify(t *testing.T) {
	var mu sync.Mutex
	ready := false
	finished := false

	fns := PoolFuncs{
		RunTask: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ready = false
			finished = true
			return nil
		},
		IsTaskReady: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return ready, nil
		},
		IsFinished: func(ctx context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return finished, nil
		},
	}

	config := testPoolConfig()
	config.MaybeRunInterval = time.Hour

	p := newTestPool(t, config, fns, &fakeStatus{idle: true})
	done := runAsync(context.Background(), p)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	p.Notify()

	if err := waitResult(t, done, 2*time.Second); err != nil {
		t.Errorf("Run返回错误: %v", err)
	}
}

func TestPoolSetters(t *testing.T) {
	config := testPoolConfig()
	config.MinConcurrency = 2
	config.MaxConcurrency = 10
	config.DesiredConcurrency = 5

	p := newTestPool(t, config, (&workload{}).funcs(), &fakeStatus{idle: true})

	if err := p.SetMinConcurrency(7); err != nil {
		t.Fatalf("SetMinConcurrency失败: %v", err)
	}
	if got := p.DesiredConcurrency(); got != 7 {
		t.Errorf("提高最小并发后 DesiredConcurrency = %d, 期望 7", got)
	}

	if err := p.SetMaxConcurrency(8); err != nil {
		t.Fatalf("SetMaxConcurrency失败: %v", err)
	}
	if err := p.SetDesiredConcurrency(8); err != nil {
		t.Fatalf("SetDesiredConcurrency失败: %v", err)
	}
	if err := p.SetMaxConcurrency(7); err != nil {
		t.Fatalf("SetMaxConcurrency失败: %v", err)
	}
	if got := p.DesiredConcurrency(); got != 7 {
		t.Errorf("降低最大并发后 DesiredConcurrency = %d, 期望 7", got)
	}

	invalid := []struct {
		name string
		set  func() error
	}{
		{"最小并发为0", func() error { return p.SetMinConcurrency(0) }},
		{"最小并发超过最大并发", func() error { return p.SetMinConcurrency(9) }},
		{"最大并发低于最小并发", func() error { return p.SetMaxConcurrency(6) }},
		{"期望并发超出范围", func() error { return p.SetDesiredConcurrency(20) }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			var configErr *models.ConfigError
			if err := tt.set(); !errors.As(err, &configErr) {
				t.Errorf("期望ConfigError, 实际: %v", err)
			}
		})
	}

	// 未运行时Notify无副作用
	p.Notify()
}

func TestPoolUnknownTotalMemory(t *testing.T) {
	w := &workload{pending: 3}
	p := newTestPool(t, testPoolConfig(), w.funcs(), &fakeStatus{idle: true},
		WithPoolSystemInfoSource(NewManualSource(0)))

	if err := waitResult(t, runAsync(context.Background(), p), 5*time.Second); err != nil {
		t.Fatalf("总内存未知不应导致运行失败: %v", err)
	}
	if done, _ := w.stats(); done != 3 {
		t.Errorf("完成任务数 = %d, 期望 3", done)
	}
}

func TestPoolSnapshotterOwnership(t *testing.T) {
	t.Run("任务池创建的采集器随运行停止", func(t *testing.T) {
		p := newTestPool(t, testPoolConfig(), (&workload{}).funcs(), &fakeStatus{idle: true})
		if err := waitResult(t, runAsync(context.Background(), p), 5*time.Second); err != nil {
			t.Fatalf("Run返回错误: %v", err)
		}
		if p.snapshotter.Running() {
			t.Error("运行结束后采集器应已停止")
		}
	})

	t.Run("调用方启动的采集器保持运行", func(t *testing.T) {
		s := newTestSnapshotter(t, nil)
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("启动失败: %v", err)
		}
		defer s.Stop()

		p := newTestPool(t, testPoolConfig(), (&workload{}).funcs(), &fakeStatus{idle: true}, WithSnapshotter(s))
		if err := waitResult(t, runAsync(context.Background(), p), 5*time.Second); err != nil {
			t.Fatalf("Run返回错误: %v", err)
		}
		if !s.Running() {
			t.Error("调用方启动的采集器不应被任务池停止")
		}
	})

	t.Run("调用方未启动的采集器由任务池停止", func(t *testing.T) {
		s := newTestSnapshotter(t, nil)
		p := newTestPool(t, testPoolConfig(), (&workload{}).funcs(), &fakeStatus{idle: true}, WithSnapshotter(s))
		if err := waitResult(t, runAsync(context.Background(), p), 5*time.Second); err != nil {
			t.Fatalf("Run返回错误: %v", err)
		}
		if s.Running() {
			t.Error("任务池启动的采集器应随运行停止")
		}
	})
}
