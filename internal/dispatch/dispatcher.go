// Package dispatch runs detached store writes on background workers.
//
// Writes sharing a key always land on the same worker and run in the order
// they were sent, so a session document is created before any event write
// for it runs.
package dispatch

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
)

// Write is one detached operation.
type Write struct {
	// Key selects the worker; writes with equal keys run in FIFO order.
	Key string
	// Op names the write in logs.
	Op  string
	Run func(ctx context.Context) error
	// Done, when set, receives Run's result on the worker goroutine.
	Done func(err error)
}

// Dispatcher is a set of single-goroutine workers fed by bounded queues.
type Dispatcher struct {
	queues []chan Write
	closed chan struct{}
	log    logger.Logger

	mu      sync.RWMutex
	stopped bool
	started bool
	wg      sync.WaitGroup
}

// New creates a dispatcher with workers queues of queueSize each.
func New(workers, queueSize int, log logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = logger.NewNop()
	}

	queues := make([]chan Write, workers)
	for i := range queues {
		queues[i] = make(chan Write, queueSize)
	}

	return &Dispatcher{
		queues: queues,
		closed: make(chan struct{}),
		log:    log,
	}
}

// Start launches the worker goroutines. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := range d.queues {
		d.wg.Add(1)
		go d.work(d.queues[i])
	}
}

// Send performs a non-blocking enqueue. It returns false when the worker's
// queue is full or the dispatcher has been stopped; the write is then dropped
// and Done is not called.
func (d *Dispatcher) Send(w Write) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return false
	}

	select {
	case d.queues[d.shard(w.Key)] <- w:
		return true
	default:
		return false
	}
}

// Len returns the number of queued writes across all workers.
func (d *Dispatcher) Len() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Stop refuses new writes, runs everything already queued, and waits for
// the workers to exit. It is safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.stopped = true
	started := d.started
	close(d.closed)
	d.mu.Unlock()

	if !started {
		// no workers ever ran; execute queued writes inline
		for _, q := range d.queues {
			d.drain(q)
		}
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) shard(key string) int {
	if len(d.queues) == 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(len(d.queues)))
}

func (d *Dispatcher) work(queue chan Write) {
	defer d.wg.Done()

	for {
		select {
		case w := <-queue:
			d.run(w)
		case <-d.closed:
			d.drain(queue)
			return
		}
	}
}

// drain runs every write remaining in queue.
func (d *Dispatcher) drain(queue chan Write) {
	for {
		select {
		case w := <-queue:
			d.run(w)
		default:
			return
		}
	}
}

func (d *Dispatcher) run(w Write) {
	err := w.Run(context.Background())
	if err != nil {
		d.log.Debug("Detached write failed",
			logger.String("op", w.Op),
			logger.String("key", w.Key),
			logger.Error(err),
		)
	}
	if w.Done != nil {
		w.Done(err)
	}
}
