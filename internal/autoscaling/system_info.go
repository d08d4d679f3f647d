package autoscaling

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfoHandler 系统信息回调
// err非nil表示本次采样失败,info无效
type SystemInfoHandler func(info models.SystemInfo, err error)

// SystemInfoSource 宿主环境的系统信息推送源
type SystemInfoSource interface {
	// Subscribe 注册回调,返回取消订阅函数
	Subscribe(handler SystemInfoHandler) (unsubscribe func())
	// TotalMemoryBytes 返回可用于推算内存上限的总内存
	TotalMemoryBytes() (int64, error)
}

// handlerSet 回调集合,GopsutilSource和ManualSource共用
type handlerSet struct {
	mu       sync.Mutex
	handlers map[int]SystemInfoHandler
	nextID   int
}

func (hs *handlerSet) add(h SystemInfoHandler) (id int, count int) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.handlers == nil {
		hs.handlers = make(map[int]SystemInfoHandler)
	}
	id = hs.nextID
	hs.nextID++
	hs.handlers[id] = h
	return id, len(hs.handlers)
}

func (hs *handlerSet) remove(id int) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.handlers, id)
	return len(hs.handlers)
}

func (hs *handlerSet) emit(info models.SystemInfo, err error) {
	hs.mu.Lock()
	handlers := make([]SystemInfoHandler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		handlers = append(handlers, h)
	}
	hs.mu.Unlock()

	for _, h := range handlers {
		h(info, err)
	}
}

// GopsutilSource 基于gopsutil的本地系统信息源
// 职责: 周期性采样进程内存(含子进程)和系统CPU使用率,推送给订阅者
type GopsutilSource struct {
	config models.SystemInfoConfig
	pid    int32
	log    zerolog.Logger

	handlers handlerSet

	// 采样循环控制
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewGopsutilSource 创建系统信息源
func NewGopsutilSource(config models.SystemInfoConfig) (*GopsutilSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &GopsutilSource{
		config: config,
		pid:    int32(os.Getpid()),
		log:    utils.Component("SystemInfo"),
	}, nil
}

// Subscribe 注册回调,第一个订阅者到来时启动采样循环
func (gs *GopsutilSource) Subscribe(handler SystemInfoHandler) func() {
	id, count := gs.handlers.add(handler)
	if count == 1 {
		gs.start()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if gs.handlers.remove(id) == 0 {
				gs.stop()
			}
		})
	}
}

// TotalMemoryBytes 返回系统总内存
func (gs *GopsutilSource) TotalMemoryBytes() (int64, error) {
	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("获取系统内存失败: %w", err)
	}
	return int64(vmStat.Total), nil
}

// Close 停止采样循环并等待其退出
func (gs *GopsutilSource) Close() {
	gs.stop()
	gs.wg.Wait()
}

func (gs *GopsutilSource) start() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.cancelFunc != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs.cancelFunc = cancel
	gs.wg.Add(1)
	go gs.monitoringLoop(ctx)
}

func (gs *GopsutilSource) stop() {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.cancelFunc != nil {
		gs.cancelFunc()
		gs.cancelFunc = nil
	}
}

// monitoringLoop 后台采样循环
func (gs *GopsutilSource) monitoringLoop(ctx context.Context) {
	defer gs.wg.Done()

	ticker := time.NewTicker(gs.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := gs.sample()
			if err != nil {
				gs.log.Debug().Err(err).Msg("系统信息采样失败")
			}
			gs.handlers.emit(info, err)
		}
	}
}

// sample 采样一次进程内存和CPU使用率
func (gs *GopsutilSource) sample() (models.SystemInfo, error) {
	memBytes, err := gs.processMemory()
	if err != nil {
		return models.SystemInfo{}, err
	}

	// interval=0 与上一次调用比较,不会阻塞
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return models.SystemInfo{}, fmt.Errorf("获取CPU使用率失败: %w", err)
	}
	if len(percentages) == 0 {
		return models.SystemInfo{}, fmt.Errorf("CPU使用率数据为空")
	}
	usage := percentages[0] / 100

	return models.SystemInfo{
		MemCurrentBytes: memBytes,
		CPUCurrentUsage: usage,
		IsCPUOverloaded: usage > gs.config.MaxUsedCPURatio,
		CreatedAt:       time.Now(),
	}, nil
}

// processMemory 当前进程及其子进程(浏览器等)的RSS总和
func (gs *GopsutilSource) processMemory() (int64, error) {
	proc, err := process.NewProcess(gs.pid)
	if err != nil {
		return 0, fmt.Errorf("获取进程信息失败: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("获取进程内存失败: %w", err)
	}
	total := int64(memInfo.RSS)

	// 没有子进程时Children返回错误,忽略即可
	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil {
				total += int64(childMem.RSS)
			}
		}
	}
	return total, nil
}

// ManualSource 手动推送的系统信息源
// 适用于由外部平台提供系统信息的场景,以及测试
type ManualSource struct {
	handlers    handlerSet
	totalMemory int64
}

// NewManualSource 创建手动信息源
func NewManualSource(totalMemoryBytes int64) *ManualSource {
	return &ManualSource{totalMemory: totalMemoryBytes}
}

// Subscribe 注册回调
func (ms *ManualSource) Subscribe(handler SystemInfoHandler) func() {
	id, _ := ms.handlers.add(handler)
	var once sync.Once
	return func() {
		once.Do(func() { ms.handlers.remove(id) })
	}
}

// TotalMemoryBytes 返回构造时指定的总内存
func (ms *ManualSource) TotalMemoryBytes() (int64, error) {
	if ms.totalMemory <= 0 {
		return 0, fmt.Errorf("未设置总内存")
	}
	return ms.totalMemory, nil
}

// Emit 同步推送一次系统信息
func (ms *ManualSource) Emit(info models.SystemInfo) {
	ms.handlers.emit(info, nil)
}

// EmitError 推送一次采样失败
func (ms *ManualSource) EmitError(err error) {
	ms.handlers.emit(models.SystemInfo{}, err)
}
