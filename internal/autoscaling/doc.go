// Package autoscaling 提供根据系统负载自动调整并发的任务池
//
// # 概述
//
// autoscaling包由三部分组成:
//
//   - Snapshotter: 周期性记录内存、CPU、调度延迟和存储客户端限流四类资源快照
//   - SystemStatus: 把快照样本按时间加权,判定各资源是否过载
//   - AutoscaledPool: 在期望并发上限内执行调用方任务,空闲时扩容,过载时缩容
//
// # 使用示例
//
//	source, _ := autoscaling.NewGopsutilSource(models.DefaultSystemInfoConfig())
//	defer source.Close()
//
//	pool, err := autoscaling.NewAutoscaledPool(models.DefaultPoolConfig(), autoscaling.PoolFuncs{
//	    RunTask:     func(ctx context.Context) error { return crawlNext(ctx) },
//	    IsTaskReady: func(ctx context.Context) (bool, error) { return !queue.IsEmpty(), nil },
//	    IsFinished:  func(ctx context.Context) (bool, error) { return queue.IsFinished(), nil },
//	}, autoscaling.WithPoolSystemInfoSource(source), autoscaling.WithPoolClientStats(stats))
//	if err != nil { /* 配置错误 */ }
//
//	err = pool.Run(ctx)
//
// # 并发模型
//
// 任务池和快照采集器的状态都由互斥锁保护,调用方回调不会在持锁时执行。
// 任务完成后通过新的goroutine触发下一次准入检查,不会递归。
// Abort只结束Run的等待,已经开始的任务不会被取消。
package autoscaling
