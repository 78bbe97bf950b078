// Package workerpool 事件处理协程池
//
// 推送事件经由这里进入同步引擎。单 worker 时所有任务严格串行，处理器不会被重入。
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task 任务函数
type Task func()

// Config 协程池配置
type Config struct {
	Workers   int // worker 数量，事件处理使用 1
	QueueSize int // 队列长度
}

// Pool 协程池
type Pool struct {
	config    Config
	taskQueue chan Task
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	panics atomic.Int64
	logger *slog.Logger
}

// New 创建并启动协程池
func New(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}

	p := &Pool{
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		logger:    slog.Default().With("component", "WorkerPool"),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		"workers", config.Workers,
		"queueSize", config.QueueSize)

	return p
}

// NewSerial 单 worker 协程池
func NewSerial(queueSize int) *Pool {
	return New(Config{Workers: 1, QueueSize: queueSize})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

// run 执行任务，捕获 panic，保证事件流不中断
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panic recovered",
				"workerId", id,
				"panic", r)
		}
	}()
	task()
}

// Submit 提交任务，队列满时阻塞直到有空位或 ctx 结束
// 协程池已关闭时返回 false
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit 尝试提交任务，队列满时立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Panics 已恢复的 panic 次数
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Shutdown 停止接收新任务，等待已入队任务执行完
// ctx 结束时不再等待，返回 ctx 的错误
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool shutdown completed")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out", "pending", p.Pending())
		return ctx.Err()
	}
}
