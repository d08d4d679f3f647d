package models

import (
	"fmt"
	"time"
)

// ConfigError 配置项校验错误
// 构造阶段即返回,此时尚未启动任何定时器
type ConfigError struct {
	Field  string // 出错的配置项
	Reason string // 错误原因
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置项 %s 无效: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func checkRatio(field string, v float64) error {
	if v <= 0 || v >= 1 {
		return invalid(field, "必须在(0,1)之间,当前值: %v", v)
	}
	return nil
}

func checkPositive(field string, d time.Duration) error {
	if d <= 0 {
		return invalid(field, "必须大于0,当前值: %v", d)
	}
	return nil
}

// SnapshotterConfig 快照采集器配置
type SnapshotterConfig struct {
	EventLoopSnapshotInterval time.Duration `mapstructure:"event_loop_snapshot_interval" json:"event_loop_snapshot_interval"`
	ClientSnapshotInterval    time.Duration `mapstructure:"client_snapshot_interval" json:"client_snapshot_interval"`
	SnapshotHistory           time.Duration `mapstructure:"snapshot_history" json:"snapshot_history"`
	MaxBlocked                time.Duration `mapstructure:"max_blocked" json:"max_blocked"`
	MaxUsedMemoryRatio        float64       `mapstructure:"max_used_memory_ratio" json:"max_used_memory_ratio"`
	MaxClientErrors           int           `mapstructure:"max_client_errors" json:"max_client_errors"`
	MaxMemoryBytes            int64         `mapstructure:"max_memory_bytes" json:"max_memory_bytes"`             // 0表示按总内存推算
	AvailableMemoryRatio      float64       `mapstructure:"available_memory_ratio" json:"available_memory_ratio"` // 推算时使用的总内存比例
}

// DefaultSnapshotterConfig 默认快照采集器配置
func DefaultSnapshotterConfig() SnapshotterConfig {
	return SnapshotterConfig{
		EventLoopSnapshotInterval: 500 * time.Millisecond,
		ClientSnapshotInterval:    time.Second,
		SnapshotHistory:           30 * time.Second,
		MaxBlocked:                50 * time.Millisecond,
		MaxUsedMemoryRatio:        0.7,
		MaxClientErrors:           3,
		AvailableMemoryRatio:      0.25,
	}
}

// Validate 验证配置
func (c *SnapshotterConfig) Validate() error {
	if err := checkPositive("event_loop_snapshot_interval", c.EventLoopSnapshotInterval); err != nil {
		return err
	}
	if err := checkPositive("client_snapshot_interval", c.ClientSnapshotInterval); err != nil {
		return err
	}
	if err := checkPositive("snapshot_history", c.SnapshotHistory); err != nil {
		return err
	}
	if c.MaxBlocked < 0 {
		return invalid("max_blocked", "不能为负数,当前值: %v", c.MaxBlocked)
	}
	if err := checkRatio("max_used_memory_ratio", c.MaxUsedMemoryRatio); err != nil {
		return err
	}
	if c.MaxClientErrors < 0 {
		return invalid("max_client_errors", "不能为负数,当前值: %d", c.MaxClientErrors)
	}
	if c.MaxMemoryBytes < 0 {
		return invalid("max_memory_bytes", "不能为负数,当前值: %d", c.MaxMemoryBytes)
	}
	if c.MaxMemoryBytes == 0 {
		if err := checkRatio("available_memory_ratio", c.AvailableMemoryRatio); err != nil {
			return err
		}
	}
	return nil
}

// SystemStatusConfig 系统状态判定配置
type SystemStatusConfig struct {
	CurrentHistory              time.Duration `mapstructure:"current_history" json:"current_history"`
	MaxMemoryOverloadedRatio    float64       `mapstructure:"max_memory_overloaded_ratio" json:"max_memory_overloaded_ratio"`
	MaxEventLoopOverloadedRatio float64       `mapstructure:"max_event_loop_overloaded_ratio" json:"max_event_loop_overloaded_ratio"`
	MaxCPUOverloadedRatio       float64       `mapstructure:"max_cpu_overloaded_ratio" json:"max_cpu_overloaded_ratio"`
	MaxClientOverloadedRatio    float64       `mapstructure:"max_client_overloaded_ratio" json:"max_client_overloaded_ratio"`
}

// DefaultSystemStatusConfig 默认系统状态配置
func DefaultSystemStatusConfig() SystemStatusConfig {
	return SystemStatusConfig{
		CurrentHistory:              5 * time.Second,
		MaxMemoryOverloadedRatio:    0.2,
		MaxEventLoopOverloadedRatio: 0.6,
		MaxCPUOverloadedRatio:       0.4,
		MaxClientOverloadedRatio:    0.3,
	}
}

// Validate 验证配置
func (c *SystemStatusConfig) Validate() error {
	if err := checkPositive("current_history", c.CurrentHistory); err != nil {
		return err
	}
	ratios := []struct {
		field string
		value float64
	}{
		{"max_memory_overloaded_ratio", c.MaxMemoryOverloadedRatio},
		{"max_event_loop_overloaded_ratio", c.MaxEventLoopOverloadedRatio},
		{"max_cpu_overloaded_ratio", c.MaxCPUOverloadedRatio},
		{"max_client_overloaded_ratio", c.MaxClientOverloadedRatio},
	}
	for _, r := range ratios {
		if err := checkRatio(r.field, r.value); err != nil {
			return err
		}
	}
	return nil
}

// PoolConfig 自适应任务池配置
type PoolConfig struct {
	MinConcurrency          int           `mapstructure:"min_concurrency" json:"min_concurrency"`
	MaxConcurrency          int           `mapstructure:"max_concurrency" json:"max_concurrency"`
	DesiredConcurrency      int           `mapstructure:"desired_concurrency" json:"desired_concurrency"` // 0表示取MinConcurrency
	DesiredConcurrencyRatio float64       `mapstructure:"desired_concurrency_ratio" json:"desired_concurrency_ratio"`
	ScaleUpStepRatio        float64       `mapstructure:"scale_up_step_ratio" json:"scale_up_step_ratio"`
	ScaleDownStepRatio      float64       `mapstructure:"scale_down_step_ratio" json:"scale_down_step_ratio"`
	MaybeRunInterval        time.Duration `mapstructure:"maybe_run_interval" json:"maybe_run_interval"`
	AutoscaleInterval       time.Duration `mapstructure:"autoscale_interval" json:"autoscale_interval"`
	LoggingInterval         time.Duration `mapstructure:"logging_interval" json:"logging_interval"`         // 0表示不输出状态日志
	TaskTimeout             time.Duration `mapstructure:"task_timeout" json:"task_timeout"`                 // 0表示不限制
	MaxTasksPerMinute       int           `mapstructure:"max_tasks_per_minute" json:"max_tasks_per_minute"` // 0表示不限制
}

// DefaultPoolConfig 默认任务池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConcurrency:          1,
		MaxConcurrency:          200,
		DesiredConcurrencyRatio: 0.90,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		MaybeRunInterval:        500 * time.Millisecond,
		AutoscaleInterval:       10 * time.Second,
		LoggingInterval:         60 * time.Second,
	}
}

// Validate 验证配置
// DesiredConcurrency为0时视为未设置
func (c *PoolConfig) Validate() error {
	if c.MinConcurrency < 1 {
		return invalid("min_concurrency", "必须>=1,当前值: %d", c.MinConcurrency)
	}
	if c.MaxConcurrency < 1 {
		return invalid("max_concurrency", "必须>=1,当前值: %d", c.MaxConcurrency)
	}
	if c.MinConcurrency > c.MaxConcurrency {
		return invalid("min_concurrency", "不能大于max_concurrency (%d > %d)", c.MinConcurrency, c.MaxConcurrency)
	}
	if c.DesiredConcurrency != 0 {
		if c.DesiredConcurrency < c.MinConcurrency || c.DesiredConcurrency > c.MaxConcurrency {
			return invalid("desired_concurrency", "必须在[%d,%d]之间,当前值: %d",
				c.MinConcurrency, c.MaxConcurrency, c.DesiredConcurrency)
		}
	}
	if err := checkRatio("desired_concurrency_ratio", c.DesiredConcurrencyRatio); err != nil {
		return err
	}
	if err := checkRatio("scale_up_step_ratio", c.ScaleUpStepRatio); err != nil {
		return err
	}
	if err := checkRatio("scale_down_step_ratio", c.ScaleDownStepRatio); err != nil {
		return err
	}
	if err := checkPositive("maybe_run_interval", c.MaybeRunInterval); err != nil {
		return err
	}
	if err := checkPositive("autoscale_interval", c.AutoscaleInterval); err != nil {
		return err
	}
	if c.LoggingInterval < 0 {
		return invalid("logging_interval", "不能为负数,当前值: %v", c.LoggingInterval)
	}
	if c.TaskTimeout < 0 {
		return invalid("task_timeout", "不能为负数,当前值: %v", c.TaskTimeout)
	}
	if c.MaxTasksPerMinute < 0 {
		return invalid("max_tasks_per_minute", "不能为负数,当前值: %d", c.MaxTasksPerMinute)
	}
	return nil
}

// SystemInfoConfig 系统信息采样配置
type SystemInfoConfig struct {
	Interval        time.Duration `mapstructure:"interval" json:"interval"`
	MaxUsedCPURatio float64       `mapstructure:"max_used_cpu_ratio" json:"max_used_cpu_ratio"`
}

// DefaultSystemInfoConfig 默认系统信息采样配置
func DefaultSystemInfoConfig() SystemInfoConfig {
	return SystemInfoConfig{
		Interval:        time.Second,
		MaxUsedCPURatio: 0.95,
	}
}

// Validate 验证配置
func (c *SystemInfoConfig) Validate() error {
	if err := checkPositive("interval", c.Interval); err != nil {
		return err
	}
	return checkRatio("max_used_cpu_ratio", c.MaxUsedCPURatio)
}
