package channel

import "sync"

// Executor runs listener invocations.
type Executor interface {
	Execute(task func())
}

type inline struct{}

func (inline) Execute(task func()) { task() }

// Inline runs tasks on the receive loop itself. A slow listener delays
// every following packet of the channel.
var Inline Executor = inline{}

// Background runs tasks one at a time, in submission order, on a dedicated
// goroutine.
type Background struct {
	pool *Pool
}

func NewBackground(queue int) *Background {
	return &Background{pool: NewPool(1, queue)}
}

func (b *Background) Execute(task func()) { b.pool.Execute(task) }

// Close waits for queued tasks to run.
func (b *Background) Close() { b.pool.Close() }

// Pool runs tasks on a bounded set of workers. Tasks submitted in order may
// run concurrently and complete out of order.
type Pool struct {
	tasks  chan func()
	lk     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines draining a queue of the given size.
// Execute blocks while the queue is full.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{tasks: make(chan func(), queue)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Execute queues task. Tasks submitted after Close are dropped.
func (p *Pool) Execute(task func()) {
	p.lk.RLock()
	defer p.lk.RUnlock()
	if p.closed {
		return
	}
	p.tasks <- task
}

// Close waits for queued tasks to run and stops the workers.
func (p *Pool) Close() {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.lk.Unlock()
	p.wg.Wait()
}
