package channel

import (
	"context"
	"sync"

	"github.com/x-research-team/dtx-wiki/bus/action"
)

// task - конверт, ожидающий доставки потребителю.
type task struct {
	ctx context.Context
	c   *consumer
	env action.Envelope
	out chan<- Result
}

// workerPool - фиксированный набор горутин, доставляющих конверты из очереди.
type workerPool struct {
	workers  int
	tasks    chan task
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// newWorkerPool создает пул из workers воркеров с очередью размера queueSize.
func newWorkerPool(workers, queueSize int) *workerPool {
	if queueSize < 0 {
		queueSize = 0
	}
	return &workerPool{
		workers: workers,
		tasks:   make(chan task, queueSize),
		stopped: make(chan struct{}),
	}
}

// run запускает воркеров пула.
func (p *workerPool) run(deliver func(task)) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				deliver(t)
			}
		}()
	}
}

// enqueue ставит задачу в очередь. При заполненной очереди ждет места,
// пока не отменен ctx.
func (p *workerPool) enqueue(ctx context.Context, t task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop закрывает очередь и дожидается завершения воркеров.
// Вызывается только после того, как новых задач больше не будет.
func (p *workerPool) stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
		close(p.stopped)
	})
}
