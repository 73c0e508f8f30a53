package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.messenger/internal/workerpool"
)

var (
	ErrNotRunning     = errors.New("scheduler not running")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrEmptyTaskID    = errors.New("task id is empty")
)

// Scheduler 时间轮驱动的延迟任务调度器，到期任务交给共享 Worker Pool 执行
type Scheduler struct {
	wheel  *TimeWheel
	pool   *workerpool.Pool
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler 创建调度器，pool 由调用方负责关闭
func NewScheduler(wheel *TimeWheel, pool *workerpool.Pool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		wheel:  wheel,
		pool:   pool,
		logger: logger,
	}
}

// Start 启动时钟协程
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.tickLoop(s.ctx)

	s.logger.Info("Task scheduler started",
		"slots", len(s.wheel.slots),
		"interval", s.wheel.Interval())
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wheel.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	tasks := s.wheel.Tick()
	if len(tasks) == 0 {
		return
	}

	s.logger.Debug("Timer tick",
		"currentSlot", s.wheel.CurrentSlot(),
		"taskCount", len(tasks))

	for _, t := range tasks {
		task := t
		if !s.pool.Submit(func() { s.execute(ctx, task) }) {
			s.logger.Warn("Worker pool closed, task dropped", "taskId", task.ID)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	if err := task.Execute(ctx); err != nil {
		s.logger.Error("Task execution failed",
			"taskId", task.ID,
			"target", task.Target,
			"error", err)
	}
}

// Stop 停止时钟，未到期任务被丢弃
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Task scheduler stopped")
}

// AddTask 添加任务，同 ID 任务会被重新计时
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return ErrNotRunning
	}
	if task == nil || task.ID == "" {
		return ErrEmptyTaskID
	}

	s.wheel.AddTask(task)
	return nil
}

// RemoveTask 取消任务，返回任务是否仍在等待
func (s *Scheduler) RemoveTask(taskID string) bool {
	return s.wheel.RemoveTask(taskID)
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.running
}

// Stats 调度器统计
func (s *Scheduler) Stats() map[string]any {
	return map[string]any{
		"running":        s.IsRunning(),
		"currentSlot":    s.wheel.CurrentSlot(),
		"totalTaskCount": s.wheel.TotalTaskCount(),
		"poolPending":    s.pool.Pending(),
	}
}
