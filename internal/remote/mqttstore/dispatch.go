package mqttstore

import "sync"

// dispatcher runs listener callbacks on one goroutine in the order they
// were queued. The queue is unbounded so the MQTT router never waits on a
// listener.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.items = append(d.items, fn)
	d.cond.Signal()
}

// close runs what is already queued and stops. It must not be called from
// a callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.items[0]
		d.items[0] = nil
		d.items = d.items[1:]
		d.mu.Unlock()

		fn()
	}
}
