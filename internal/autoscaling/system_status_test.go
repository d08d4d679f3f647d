package autoscaling

import (
	"testing"
	"time"

	"github.com/RecoveryAshes/crawlscale/internal/models"
)

// fakeSampler 返回固定样本并记录请求的窗口
type fakeSampler struct {
	memory    []models.MemorySnapshot
	cpu       []models.CPUSnapshot
	eventLoop []models.EventLoopSnapshot
	client    []models.ClientSnapshot
	windows   []time.Duration
}

func (f *fakeSampler) GetMemorySample(d time.Duration) []models.MemorySnapshot {
	f.windows = append(f.windows, d)
	return f.memory
}

func (f *fakeSampler) GetCPUSample(d time.Duration) []models.CPUSnapshot { return f.cpu }

func (f *fakeSampler) GetEventLoopSample(d time.Duration) []models.EventLoopSnapshot {
	return f.eventLoop
}

func (f *fakeSampler) GetClientSample(d time.Duration) []models.ClientSnapshot { return f.client }

func TestIsSampleOverloaded(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int, overloaded bool) models.EventLoopSnapshot {
		return eventLoopAt(base.Add(time.Duration(ms)*time.Millisecond), overloaded)
	}

	tests := []struct {
		name           string
		sample         []models.EventLoopSnapshot
		limit          float64
		wantOverloaded bool
		wantRatio      float64
	}{
		{"空样本", nil, 0.5, false, 0},
		{"单个过载样本", []models.EventLoopSnapshot{at(0, true)}, 0.5, true, 1},
		{"单个正常样本", []models.EventLoopSnapshot{at(0, false)}, 0.5, false, 0},
		{
			"第一个样本只作为起点",
			[]models.EventLoopSnapshot{at(0, false), at(1000, true), at(2000, true)},
			0.6, true, 1,
		},
		{
			"按间隔加权",
			[]models.EventLoopSnapshot{at(0, true), at(1000, false), at(3000, true)},
			0.6, true, 0.667,
		},
		{
			"等于阈值不算过载",
			[]models.EventLoopSnapshot{at(0, false), at(1000, true), at(2000, false)},
			0.5, false, 0.5,
		},
		{
			"零间隔按1毫秒计",
			[]models.EventLoopSnapshot{at(0, false), at(0, true), at(1, false)},
			0.4, true, 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isSampleOverloaded(tt.sample, tt.limit)
			if got.IsOverloaded != tt.wantOverloaded {
				t.Errorf("IsOverloaded = %v, 期望 %v", got.IsOverloaded, tt.wantOverloaded)
			}
			if got.ActualRatio != tt.wantRatio {
				t.Errorf("ActualRatio = %v, 期望 %v", got.ActualRatio, tt.wantRatio)
			}
			if got.LimitRatio != tt.limit {
				t.Errorf("LimitRatio = %v, 期望 %v", got.LimitRatio, tt.limit)
			}
		})
	}
}

func TestSystemStatus(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	overloadedCPU := []models.CPUSnapshot{
		{SnapshotHeader: models.SnapshotHeader{TakenAt: base, IsOverloaded: true}},
	}

	tests := []struct {
		name     string
		cpu      []models.CPUSnapshot
		wantIdle bool
	}{
		{"没有样本视为空闲", nil, true},
		{"任一资源过载即非空闲", overloadedCPU, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sampler := &fakeSampler{cpu: tt.cpu}
			ss, err := NewSystemStatus(models.DefaultSystemStatusConfig(), sampler)
			if err != nil {
				t.Fatalf("创建失败: %v", err)
			}

			current := ss.GetCurrentStatus()
			historical := ss.GetHistoricalStatus()
			if current.IsSystemIdle != tt.wantIdle || historical.IsSystemIdle != tt.wantIdle {
				t.Errorf("IsSystemIdle = %v/%v, 期望 %v", current.IsSystemIdle, historical.IsSystemIdle, tt.wantIdle)
			}
			if current.CPUInfo.LimitRatio != 0.4 {
				t.Errorf("CPU阈值 = %v, 期望 0.4", current.CPUInfo.LimitRatio)
			}

			// 当前状态使用CurrentHistory窗口,历史状态使用全部历史
			if len(sampler.windows) != 2 || sampler.windows[0] != 5*time.Second || sampler.windows[1] != 0 {
				t.Errorf("采样窗口 = %v, 期望 [5s 0s]", sampler.windows)
			}
		})
	}
}

func TestNewSystemStatusInvalidConfig(t *testing.T) {
	config := models.DefaultSystemStatusConfig()
	config.MaxClientOverloadedRatio = 1.5

	_, err := NewSystemStatus(config, &fakeSampler{})
	if err == nil {
		t.Fatal("期望配置错误")
	}
}
