package autoscaling

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolRunning     = errors.New("任务池已在运行")
	ErrMissingCallback = errors.New("缺少必需的回调函数")
)

// TaskTimeoutError 任务执行超时
// 作为任务错误处理,会终止整个运行
type TaskTimeoutError struct {
	Timeout time.Duration
}

// Error 实现error接口
func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("任务执行超时: 超过 %.3f 秒未完成", e.Timeout.Seconds())
}

// PauseTimeoutError 暂停等待超时
// 只返回给Pause的调用方,不影响运行本身
type PauseTimeoutError struct {
	Timeout time.Duration
}

// Error 实现error接口
func (e *PauseTimeoutError) Error() string {
	return fmt.Sprintf("暂停超时: %.3f 秒内仍有任务未完成", e.Timeout.Seconds())
}
