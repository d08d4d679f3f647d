package autoscaling

import "time"

const taskCounterSlots = 60

type counterSlot struct {
	sec   int64 // slot对应的unix秒
	count int
}

// taskCounter 最近60秒内按秒计数的任务启动次数
// 调用方负责加锁
type taskCounter struct {
	slots [taskCounterSlots]counterSlot
}

func (c *taskCounter) add(now time.Time) {
	sec := now.Unix()
	slot := &c.slots[sec%taskCounterSlots]
	if slot.sec != sec {
		slot.sec = sec
		slot.count = 0
	}
	slot.count++
}

// total 最近一分钟(含当前秒)的计数
func (c *taskCounter) total(now time.Time) int {
	sec := now.Unix()
	sum := 0
	for _, slot := range c.slots {
		age := sec - slot.sec
		if slot.count > 0 && age >= 0 && age < taskCounterSlots {
			sum += slot.count
		}
	}
	return sum
}

// exceeded limit<=0表示不限制
func (c *taskCounter) exceeded(now time.Time, limit int) bool {
	return limit > 0 && c.total(now) >= limit
}

func (c *taskCounter) reset() {
	c.slots = [taskCounterSlots]counterSlot{}
}
