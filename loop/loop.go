// Package loop provides a single-goroutine task dispatcher. It plays the role
// of a GUI framework's owning thread: everything posted to a Loop runs
// serially on one goroutine, so state touched only from loop tasks needs no
// locking.
package loop

import (
	"sync"
	"time"
)

// Loop runs posted functions one at a time on its own goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	onReady []func()
}

// New returns a loop that is not yet running.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Functions registered with OnReady run
// first, in registration order. Start is idempotent.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	ready := l.onReady
	l.onReady = nil
	l.queue = append(ready, l.queue...)
	l.mu.Unlock()

	go l.run()
	l.signal()
}

// Ready reports whether the loop is dispatching.
func (l *Loop) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// OnReady registers fn to run on the loop once it starts. If the loop is
// already running, fn is posted immediately.
func (l *Loop) OnReady(fn func()) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		l.Post(fn)
		return
	}
	l.onReady = append(l.onReady, fn)
	l.mu.Unlock()
}

// Post queues fn. It returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a loop task.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Stop ends dispatching after the task in progress. Queued tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	wasStarted := l.started
	l.queue = nil
	l.mu.Unlock()
	if !wasStarted {
		close(l.done)
		return
	}
	l.signal()
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if l.stopped {
				l.mu.Unlock()
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}

// Timer is a one-shot or repeating callback delivered on the loop.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// Stop prevents any further delivery, including a fire already in flight.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *Timer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.mu.Lock()
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.active() {
				tm.Stop()
				fn()
			}
		})
	})
	tm.mu.Unlock()
	return tm
}

// Every runs fn on the loop every d until the returned timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	var arm func()
	arm = func() {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		if tm.stopped {
			return
		}
		tm.t = time.AfterFunc(d, func() {
			l.Post(func() {
				if !tm.active() {
					return
				}
				fn()
				arm()
			})
		})
	}
	arm()
	return tm
}
