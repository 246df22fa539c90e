package service

import "sync"

// worker runs jobs one at a time in submission order. Every Negotiation
// Engine call of a session goes through its worker, so a description-set
// submitted before a candidate is always applied before it.
type worker struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newWorker() *worker {
	w := &worker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// submit enqueues job. Jobs submitted after stop are dropped.
func (w *worker) submit(job func()) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// stop discards queued jobs. A job already running finishes on its own.
func (w *worker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.queue = nil
	w.mu.Unlock()
	close(w.done)
}

func (w *worker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || len(w.queue) == 0 {
		return nil, false
	}
	job := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return job, true
}

func (w *worker) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			job, ok := w.next()
			if !ok {
				break
			}
			job()
		}
	}
}
