package models

import "time"

// Snapshot 单个资源的一次分类测量
// 所有快照类型都实现此接口,SystemStatus只关心时间和是否过载
type Snapshot interface {
	Time() time.Time
	Overloaded() bool
}

// SnapshotHeader 快照公共字段
type SnapshotHeader struct {
	TakenAt      time.Time `json:"taken_at"`      // 采样时间
	IsOverloaded bool      `json:"is_overloaded"` // 采样时是否超过阈值
}

// Time 返回采样时间
func (h SnapshotHeader) Time() time.Time { return h.TakenAt }

// Overloaded 返回是否过载
func (h SnapshotHeader) Overloaded() bool { return h.IsOverloaded }

// MemorySnapshot 内存快照
type MemorySnapshot struct {
	SnapshotHeader
	UsedBytes int64 `json:"used_bytes"` // 进程占用内存(字节)
}

// CPUSnapshot CPU快照
type CPUSnapshot struct {
	SnapshotHeader
	UsedRatio float64 `json:"used_ratio"` // CPU使用率(0-1)
}

// EventLoopSnapshot 调度延迟快照
// 衡量定时器实际触发时间相对预期的滞后
type EventLoopSnapshot struct {
	SnapshotHeader
	ExceededMillis int64 `json:"exceeded_millis"` // 超出MaxBlocked的毫秒数
}

// ClientSnapshot 存储客户端限流错误快照
type ClientSnapshot struct {
	SnapshotHeader
	RateLimitErrorCount int `json:"rate_limit_error_count"` // 第三次重试时的累计限流错误数
}

// SystemInfo 宿主环境推送的系统信息
type SystemInfo struct {
	MemCurrentBytes int64     `json:"mem_current_bytes"`
	CPUCurrentUsage float64   `json:"cpu_current_usage"` // 0-1
	IsCPUOverloaded bool      `json:"is_cpu_overloaded"`
	CreatedAt       time.Time `json:"created_at"`
}

// ResourceVerdict 单个资源在某个时间窗口内的过载判定
type ResourceVerdict struct {
	IsOverloaded bool    `json:"is_overloaded"`
	LimitRatio   float64 `json:"limit_ratio"`  // 允许的最大过载比例
	ActualRatio  float64 `json:"actual_ratio"` // 实际加权过载比例(保留3位小数)
}

// SystemVerdict 系统整体判定
type SystemVerdict struct {
	IsSystemIdle  bool            `json:"is_system_idle"`
	MemInfo       ResourceVerdict `json:"mem_info"`
	EventLoopInfo ResourceVerdict `json:"event_loop_info"`
	CPUInfo       ResourceVerdict `json:"cpu_info"`
	ClientInfo    ResourceVerdict `json:"client_info"`
}
