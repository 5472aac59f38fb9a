package memtree

import "sync"

type notification struct {
	ln    *listener
	fn    func()
	final bool
}

// notifyQueue is an unbounded FIFO drained by a single goroutine. Writers
// never block on slow listeners; ordering across listeners is preserved.
type notifyQueue struct {
	mu      sync.Mutex
	items   []notification
	wake    chan struct{}
	closing bool
	done    chan struct{}
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *notifyQueue) push(ln *listener, fn func()) {
	q.enqueue(notification{ln: ln, fn: fn})
}

// pushFinal queues the last notification a listener will receive.
func (q *notifyQueue) pushFinal(ln *listener, fn func()) {
	q.enqueue(notification{ln: ln, fn: fn, final: true})
}

func (q *notifyQueue) enqueue(n notification) {
	q.mu.Lock()
	if q.closing && !n.final {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// retire stops all further deliveries to ln, including queued ones.
func (q *notifyQueue) retire(ln *listener) {
	q.mu.Lock()
	ln.done = true
	q.mu.Unlock()
}

// close drains what is queued and stops the goroutine. It must not be
// called from a listener callback.
func (q *notifyQueue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *notifyQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closing := q.closing
			q.mu.Unlock()
			if closing {
				return
			}
			<-q.wake
			continue
		}
		n := q.items[0]
		q.items[0] = notification{}
		q.items = q.items[1:]
		skip := n.ln.done
		if n.final {
			n.ln.done = true
		}
		q.mu.Unlock()

		if !skip {
			n.fn()
		}
	}
}
