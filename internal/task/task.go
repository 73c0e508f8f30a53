package task

import (
	"context"
	"time"
)

// TaskFunc 任务执行函数
type TaskFunc func(ctx context.Context, t *Task) error

// Task 延迟任务，同一 ID 在时间轮中只保留最后一次添加
type Task struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"` // 操作对象标识，如通话 ID
	Delay     time.Duration  `json:"delay"`
	Fn        TaskFunc       `json:"-"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`

	rounds int // 剩余圈数，超过一圈的延迟使用
}

// NewTask 创建新任务
func NewTask(id, target string, delay time.Duration, fn TaskFunc) *Task {
	return &Task{
		ID:        id,
		Target:    target,
		Delay:     delay,
		Fn:        fn,
		Metadata:  make(map[string]any),
		CreatedAt: time.Now(),
	}
}

// WithMetadata 添加元数据
func (t *Task) WithMetadata(key string, value any) *Task {
	t.Metadata[key] = value
	return t
}

// Execute 执行任务
func (t *Task) Execute(ctx context.Context) error {
	if t.Fn == nil {
		return nil
	}
	return t.Fn(ctx, t)
}
