package memchannel

import "sync"

// deliveryQueue is an unbounded FIFO of pending notifications for one
// subscriber. Each subscriber gets its own pump goroutine so a slow callback
// never blocks writers or other subscribers.
type deliveryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	jobs     []func()
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *deliveryQueue) Enqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, fn)
	q.notEmpty.Signal()
}

func (q *deliveryQueue) run() {
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.jobs[0]
		copy(q.jobs, q.jobs[1:])
		q.jobs[len(q.jobs)-1] = nil
		q.jobs = q.jobs[:len(q.jobs)-1]
		q.mu.Unlock()
		fn()
	}
}

// Close discards queued jobs and stops the pump. Queued callbacks that have
// not started will not fire; a callback already running completes.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.jobs {
		q.jobs[i] = nil
	}
	q.jobs = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
