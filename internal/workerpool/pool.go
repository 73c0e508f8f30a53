package workerpool

import (
	"log/slog"
	"sync"

	"sudooom.im.messenger/internal/registry"
)

// Task 任务函数
type Task func()

// Pool 固定大小的 Worker Pool，用于后台任务（未读计数、好友在线推送、跨节点发布等）。
// Submit 不保证顺序；SubmitKeyed 同一个 key 的任务固定由同一个 worker 按提交顺序执行
type Pool struct {
	workers   int
	taskQueue chan Task
	keyed     []chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	logger    *slog.Logger
}

// New 创建 Worker Pool
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		keyed:     make([]chan Task, workers),
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.keyed[i] = make(chan Task, queueSize/workers+1)
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queueSize", queueSize)

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	shared, own := p.taskQueue, p.keyed[id]
	for shared != nil || own != nil {
		select {
		case task, ok := <-shared:
			if !ok {
				shared = nil
				continue
			}
			p.run(id, task)
		case task, ok := <-own:
			if !ok {
				own = nil
				continue
			}
			p.run(id, task)
		}
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"workerId", id,
				"panic", r)
		}
	}()
	task()
}

// Submit 提交任务，队列满时阻塞；已关闭返回 false
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.taskQueue <- task
	return true
}

// SubmitKeyed 按 key 分片提交，队列满时阻塞；已关闭返回 false
func (p *Pool) SubmitKeyed(key int64, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.keyed[registry.Int64Hasher(key)%uint64(p.workers)] <- task
	return true
}

// TrySubmit 尝试提交，队列满或已关闭立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending 队列中等待的任务数
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown 停止接收新任务，等待已排队任务执行完
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	for _, q := range p.keyed {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
