package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
)

// Job единица работы. Получает контекст, с которым была поставлена в очередь.
type Job func(ctx context.Context)

type task struct {
	ctx context.Context
	fn  Job
}

// Pool долгоживущий пул воркеров с ограниченной очередью
type Pool struct {
	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	active  atomic.Int64
	workers int
}

// New запускает workers воркеров с очередью на queueSize задач
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		tasks:   make(chan task, queueSize),
		workers: workers,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}

	logger.Debug("Запущен пул воркеров", zap.Int("workers", workers), zap.Int("queue", queueSize))
	return p
}

// Submit ставит задачу в очередь. Блокируется, пока в очереди нет места,
// ctx не отменен или пул не закрыт.
func (p *Pool) Submit(ctx context.Context, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return models.ErrPoolClosed
	}

	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit ставит задачу в очередь без ожидания.
// Если очередь заполнена, возвращает ErrPoolSaturated.
func (p *Pool) TrySubmit(ctx context.Context, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return models.ErrPoolClosed
	}

	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	default:
		return models.ErrPoolSaturated
	}
}

// Close перестает принимать задачи, дожидается выполнения уже поставленных
// и останавливает воркеры. Повторный вызов безопасен.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	logger.Debug("Пул воркеров остановлен")
}

// Workers число воркеров
func (p *Pool) Workers() int {
	return p.workers
}

// Active число выполняющихся задач
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued число задач в очереди
func (p *Pool) Queued() int {
	return len(p.tasks)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника в задаче пула", zap.Int("worker", id), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	t.fn(t.ctx)
}
