package chunk

import "sync"

// outbox delivers state updates in emission order from a dedicated
// goroutine.  Delivery happens outside the QueueManager lock, so a notifier
// is free to call back into the manager (the loopback acker does).
type outbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []StateUpdate
	notify  Notifier
	busy    bool
	closed  bool
}

func newOutbox(n Notifier) *outbox {
	ob := &outbox{notify: n}
	ob.cond = sync.NewCond(&ob.mu)
	go ob.run()
	return ob
}

func (ob *outbox) setNotifier(n Notifier) {
	ob.mu.Lock()
	ob.notify = n
	ob.mu.Unlock()
}

func (ob *outbox) push(u StateUpdate) {
	ob.mu.Lock()
	if !ob.closed {
		ob.pending = append(ob.pending, u)
	}
	ob.cond.Broadcast()
	ob.mu.Unlock()
}

func (ob *outbox) run() {
	for {
		ob.mu.Lock()
		for len(ob.pending) == 0 && !ob.closed {
			ob.cond.Wait()
		}
		if len(ob.pending) == 0 && ob.closed {
			ob.mu.Unlock()
			return
		}
		u := ob.pending[0]
		ob.pending = ob.pending[1:]
		notify := ob.notify
		ob.busy = true
		ob.mu.Unlock()

		notify(u)

		ob.mu.Lock()
		ob.busy = false
		ob.cond.Broadcast()
		ob.mu.Unlock()
	}
}

// drain blocks until every queued update has been delivered.
func (ob *outbox) drain() {
	ob.mu.Lock()
	for (len(ob.pending) > 0 || ob.busy) && !ob.closed {
		ob.cond.Wait()
	}
	ob.mu.Unlock()
}

func (ob *outbox) idle() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.pending) == 0 && !ob.busy
}

func (ob *outbox) close() {
	ob.mu.Lock()
	ob.closed = true
	ob.cond.Broadcast()
	ob.mu.Unlock()
}
