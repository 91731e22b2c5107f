package memory

import (
	"context"
	"sync"
)

// workerPool - это пул горутин для асинхронной доставки сообщений.
type workerPool struct {
	workers int
	tasks   chan *task
	handle  func(*task)
	wg      sync.WaitGroup
}

// newWorkerPool создает новый пул воркеров.
func newWorkerPool(workers, queueSize int, handle func(*task)) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan *task, queueSize),
		handle:  handle,
	}
}

// run запускает воркеров пула.
func (p *workerPool) run() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// enqueue добавляет задачу в очередь, ожидая свободного места.
func (p *workerPool) enqueue(ctx context.Context, t *task) error {
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop закрывает очередь и дожидается, пока воркеры доставят оставшиеся задачи.
// Вызывающая сторона гарантирует, что enqueue больше не вызывается.
func (p *workerPool) stop(ctx context.Context) error {
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker - это основная функция горутины-воркера.
func (p *workerPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.handle(t)
	}
}
