package transport

import "sync"

// Queue is an unbounded FIFO of events drained onto a channel by a single
// goroutine. Producers never block, so two adapters delivering to each
// other cannot deadlock.
type Queue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	out     chan Event
}

// NewQueue starts the drain goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

// Push appends ev. After Close it is a no-op.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

// Out is the consumer side. It must be read until closed.
func (q *Queue) Out() <-chan Event {
	return q.out
}

// Close refuses further pushes. Events already queued are still delivered,
// then Out is closed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			q.out <- ev
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
