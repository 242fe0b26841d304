package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped 池已停止
	ErrStopped = errors.New("worker pool is stopped")
)

// ExecuteFunc 执行一次运行
type ExecuteFunc func(ctx context.Context, req *domain.RunRequest) error

// StatsRecorder 池状态上报（PrometheusMetrics 满足）
type StatsRecorder interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Pool Worker 池，每个 worker 同一时刻只执行一个运行
type Pool struct {
	workers int
	jobs    chan *job
	execute ExecuteFunc
	stats   StatsRecorder
	logger  *logrus.Logger
	wg      sync.WaitGroup
	active  int32

	mu      sync.RWMutex
	stopped bool
}

// job 任务
type job struct {
	req      *domain.RunRequest
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, execute ExecuteFunc, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan *job, queueSize),
		execute: execute,
		logger:  logger,
	}
}

// WithStats 注册状态上报
func (p *Pool) WithStats(stats StatsRecorder) *Pool {
	p.stats = stats
	return p
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.report()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case j, ok := <-p.jobs:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Task channel closed, worker exiting")
				return
			}
			p.run(ctx, id, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, j *job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"run_id":    j.req.RunID,
		"package":   j.req.App.Package,
	})
	log.Info("Processing run")

	atomic.AddInt32(&p.active, 1)
	p.report()
	err := p.safeExecute(ctx, j.req)
	atomic.AddInt32(&p.active, -1)
	p.report()

	if err != nil {
		log.WithError(err).Error("Run execution failed")
	} else {
		log.Info("Run completed successfully")
	}

	// 如果有结果通道，发送结果
	if j.resultCh != nil {
		j.resultCh <- err
		close(j.resultCh)
	}
}

func (p *Pool) safeExecute(ctx context.Context, req *domain.RunRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %s panicked: %v", req.RunID, r)
		}
	}()
	return p.execute(ctx, req)
}

// Dispatch 提交运行（异步，不等待结果）
func (p *Pool) Dispatch(req *domain.RunRequest) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- &job{req: req}:
		p.logger.WithField("run_id", req.RunID).Debug("Run submitted to pool")
		p.report()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交运行并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, req *domain.RunRequest) error {
	j := &job{req: req, resultCh: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrStopped
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
		p.logger.WithField("run_id", req.RunID).Debug("Run submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.report()

	// 等待结果
	select {
	case err := <-j.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待已排队的任务执行完
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobs)
}

// ActiveWorkers 正在执行的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) report() {
	if p.stats != nil {
		p.stats.UpdateWorkerPoolStats(p.workers, p.ActiveWorkers(), p.GetQueueSize())
	}
}
