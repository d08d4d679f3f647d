package autoscaling

import (
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
)

// SnapshotSampler 快照历史读取接口,由Snapshotter实现
type SnapshotSampler interface {
	GetMemorySample(d time.Duration) []models.MemorySnapshot
	GetCPUSample(d time.Duration) []models.CPUSnapshot
	GetEventLoopSample(d time.Duration) []models.EventLoopSnapshot
	GetClientSample(d time.Duration) []models.ClientSnapshot
}

// StatusReporter 系统状态判定接口,任务池只依赖此接口
type StatusReporter interface {
	// GetCurrentStatus 最近CurrentHistory窗口内的判定,反应快
	GetCurrentStatus() models.SystemVerdict
	// GetHistoricalStatus 全部保留历史的判定,用于决定是否扩容
	GetHistoricalStatus() models.SystemVerdict
}

// SystemStatus 系统状态聚合器
// 职责: 把各资源快照样本转换为过载判定
type SystemStatus struct {
	config  models.SystemStatusConfig
	sampler SnapshotSampler
}

// NewSystemStatus 创建系统状态聚合器
func NewSystemStatus(config models.SystemStatusConfig, sampler SnapshotSampler) (*SystemStatus, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SystemStatus{config: config, sampler: sampler}, nil
}

// GetCurrentStatus 返回当前窗口的系统判定
func (ss *SystemStatus) GetCurrentStatus() models.SystemVerdict {
	return ss.isSystemIdle(ss.config.CurrentHistory)
}

// GetHistoricalStatus 返回全部历史的系统判定
func (ss *SystemStatus) GetHistoricalStatus() models.SystemVerdict {
	return ss.isSystemIdle(0)
}

// isSystemIdle 任意一个资源过载即视为系统过载
func (ss *SystemStatus) isSystemIdle(d time.Duration) models.SystemVerdict {
	memInfo := isSampleOverloaded(ss.sampler.GetMemorySample(d), ss.config.MaxMemoryOverloadedRatio)
	eventLoopInfo := isSampleOverloaded(ss.sampler.GetEventLoopSample(d), ss.config.MaxEventLoopOverloadedRatio)
	cpuInfo := isSampleOverloaded(ss.sampler.GetCPUSample(d), ss.config.MaxCPUOverloadedRatio)
	clientInfo := isSampleOverloaded(ss.sampler.GetClientSample(d), ss.config.MaxClientOverloadedRatio)

	return models.SystemVerdict{
		IsSystemIdle: !memInfo.IsOverloaded &&
			!eventLoopInfo.IsOverloaded &&
			!cpuInfo.IsOverloaded &&
			!clientInfo.IsOverloaded,
		MemInfo:       memInfo,
		EventLoopInfo: eventLoopInfo,
		CPUInfo:       cpuInfo,
		ClientInfo:    clientInfo,
	}
}

// isSampleOverloaded 按时间加权计算过载比例
// 第i个快照的权重为与前一个快照的毫秒间隔(0按1计),值为第i个快照是否过载
func isSampleOverloaded[T models.Snapshot](sample []T, limitRatio float64) models.ResourceVerdict {
	var avg float64

	switch len(sample) {
	case 0:
		avg = 0
	case 1:
		if sample[0].Overloaded() {
			avg = 1
		}
	default:
		var weighted, totalWeight float64
		for i := 1; i < len(sample); i++ {
			weight := float64(sample[i].Time().Sub(sample[i-1].Time()).Milliseconds())
			if weight <= 0 {
				weight = 1
			}
			if sample[i].Overloaded() {
				weighted += weight
			}
			totalWeight += weight
		}
		avg = weighted / totalWeight
	}

	return models.ResourceVerdict{
		IsOverloaded: avg > limitRatio,
		LimitRatio:   limitRatio,
		ActualRatio:  models.RoundRatio(avg),
	}
}
