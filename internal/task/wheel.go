package task

import (
	"sync"
	"time"
)

const (
	// DefaultSlotCount 默认槽位数量，配合 1 秒刻度一圈 60 秒
	DefaultSlotCount = 60
	DefaultInterval  = time.Second
)

// TimeWheel 单层时间轮，超过一圈的任务按圈数延后
type TimeWheel struct {
	slots    []*Slot
	interval time.Duration

	mu          sync.Mutex
	currentSlot int
	index       map[string]int // taskID -> 槽位
}

// NewTimeWheel 创建时间轮
func NewTimeWheel(slotCount int, interval time.Duration) *TimeWheel {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	tw := &TimeWheel{
		slots:    make([]*Slot, slotCount),
		interval: interval,
		index:    make(map[string]int),
	}
	for i := range tw.slots {
		tw.slots[i] = NewSlot()
	}
	return tw
}

// Interval 刻度间隔
func (tw *TimeWheel) Interval() time.Duration {
	return tw.interval
}

// AddTask 添加任务，同 ID 的旧任务被替换；延迟向上取整到刻度，至少一个刻度
func (tw *TimeWheel) AddTask(task *Task) {
	ticks := int((task.Delay + tw.interval - 1) / tw.interval)
	if ticks < 1 {
		ticks = 1
	}
	n := len(tw.slots)

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if old, ok := tw.index[task.ID]; ok {
		tw.slots[old].RemoveTask(task.ID)
	}
	target := (tw.currentSlot + ticks) % n
	task.rounds = (ticks - 1) / n
	tw.slots[target].AddTask(task)
	tw.index[task.ID] = target
}

// RemoveTask 删除任务，任务不存在或已到期返回 false
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	slot, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.index, taskID)
	return tw.slots[slot].RemoveTask(taskID)
}

// Tick 推进一个刻度，返回到期任务
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % len(tw.slots)
	due := tw.slots[tw.currentSlot].TakeDue()
	for _, task := range due {
		delete(tw.index, task.ID)
	}
	return due
}

func (tw *TimeWheel) CurrentSlot() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return tw.currentSlot
}

// TotalTaskCount 所有槽位的任务总数
func (tw *TimeWheel) TotalTaskCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return len(tw.index)
}
