package peer

import "sync"

// loop runs posted functions one at a time, in order, on its own
// goroutine. Posting never blocks, so the loop may post to itself.
// Functions posted before start wait for it.
type loop struct {
	mu      sync.Mutex
	items   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	return l
}

func (l *loop) start() {
	go l.run()
}

// post queues fn and reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.items = append(l.items, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop makes the loop exit after the function it is running. Queued
// functions are dropped.
func (l *loop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.items = nil
	l.mu.Unlock()
	close(l.quit)
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (l *loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.items) == 0 {
		return nil, false
	}
	fn := l.items[0]
	l.items[0] = nil
	l.items = l.items[1:]
	return fn, true
}
