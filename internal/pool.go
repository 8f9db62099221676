package internal

// WorkerPool runs queued work on up to N goroutines. The queue is bounded at
// N so a fast producer is back-pressured rather than buffering unbounded work
// in memory: the homeserver keeps producing regardless, we consume when ready.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool of size N. Pick N from whatever shared
// resource the work contends for (db connections, cpu), not an arbitrary
// number.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the pool once no more work will be queued. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May block until a worker frees up.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
