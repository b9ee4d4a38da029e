package grpctp

import "sync"

// lane runs queued work one item at a time, in order, on a goroutine that
// exists only while there is work.
type lane struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (l *lane) run(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	go l.drain()
}

func (l *lane) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}
