package matcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// JobRunner 执行一次需求匹配任务。
type JobRunner interface {
	RunMatchJob(ctx context.Context, demandID uint) error
}

// Pool 是匹配任务的后台队列：固定 worker 数消费，
// 入队时按需求去重，同一需求在队列中最多出现一次。
type Pool struct {
	runner  JobRunner
	logger  *zap.Logger
	workers int
	jobs    chan uint

	mu      sync.Mutex
	pending map[uint]struct{}
}

// NewPool 创建任务池。
func NewPool(runner JobRunner, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		runner:  runner,
		logger:  logger,
		workers: workers,
		jobs:    make(chan uint, queueSize),
		pending: make(map[uint]struct{}),
	}
}

// EnqueueDemand 把需求排进队列。已在队列里或队列已满时返回 false。
func (p *Pool) EnqueueDemand(demandID uint) bool {
	p.mu.Lock()
	if _, ok := p.pending[demandID]; ok {
		p.mu.Unlock()
		return false
	}
	p.pending[demandID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.jobs <- demandID:
		return true
	default:
		p.release(demandID)
		p.logger.Warn("match queue full, demand dropped", zap.Uint("demand_id", demandID))
		return false
	}
}

// Run 启动 worker 并阻塞到 ctx 取消，随后等所有 worker 退出。
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case demandID := <-p.jobs:
					// 出队即解除去重标记，执行期间的新入队会再排一轮。
					p.release(demandID)
					if err := p.runner.RunMatchJob(gctx, demandID); err != nil {
						p.logger.Error("match job failed",
							zap.Uint("demand_id", demandID),
							zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) release(demandID uint) {
	p.mu.Lock()
	delete(p.pending, demandID)
	p.mu.Unlock()
}
