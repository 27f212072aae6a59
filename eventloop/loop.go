// Package eventloop implements a cooperative, single goroutine scheduler. Every task posted
// with Post and every timer callback runs on the goroutine executing Run, one at a time and in
// order, so state touched only from callbacks needs no locking.
package eventloop

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrLoopRunning = errors.New("event loop is already running")

type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex // protects everything below
	tasks  []func()
	timers timerHeap
	byID   map[TimerID]*timer
	lastID TimerID
	seq    uint64
	closed bool

	running atomic.Bool
	wake    chan struct{}
	quit    chan struct{}
	exited  chan struct{}
	stop    sync.Once
}

// New returns a loop that is not yet dispatching. A nil logger discards diagnostics.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		byID:   make(map[TimerID]*timer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

// Run dispatches tasks and timers on the calling goroutine until Stop is called.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	l.run()
	return nil
}

// Stop makes Run return after the callback in progress, if any. Tasks still queued are
// discarded and Post reports false from now on. Stop may be called from a callback.
func (l *Loop) Stop() {
	l.stop.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.quit }

// Wait blocks until Run has returned. It returns at once for a loop that was never started.
func (l *Loop) Wait() {
	if !l.running.Load() {
		return
	}
	<-l.exited
}

// Post queues fn to run on the loop goroutine after the tasks queued before it.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	l.notify()
	return true
}

// SetTimer arms a timer firing after delay. A repeating timer re-arms itself delay after each
// firing until it is killed.
func (l *Loop) SetTimer(delay time.Duration, fn TimerFunc, repeat bool) TimerID {
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < MinInterval {
		delay = MinInterval
	}

	l.mu.Lock()
	l.lastID++
	l.seq++
	t := &timer{
		id:       l.lastID,
		when:     time.Now().Add(delay),
		delay:    delay,
		repeat:   repeat,
		seq:      l.seq,
		callback: fn,
	}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	first := l.timers[0] == t
	l.mu.Unlock()

	if first {
		l.notify()
	}
	return t.id
}

func (l *Loop) SetTimeout(delay time.Duration, fn TimerFunc) TimerID {
	return l.SetTimer(delay, fn, false)
}

func (l *Loop) SetInterval(interval time.Duration, fn TimerFunc) TimerID {
	return l.SetTimer(interval, fn, true)
}

// KillTimer cancels the timer. Once it returns the callback is not started again, even if the
// timer was already due. Ids that already fired or never existed are ignored.
func (l *Loop) KillTimer(id TimerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return
	}
	t.killed = true
	delete(l.byID, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

// ResetTimer postpones a live timer so that it fires one full delay from now.
func (l *Loop) ResetTimer(id TimerID) bool {
	l.mu.Lock()
	t, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	l.seq++
	t.seq = l.seq
	t.when = time.Now().Add(t.delay)
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
	} else {
		heap.Push(&l.timers, t)
	}
	l.mu.Unlock()

	l.notify()
	return true
}

// Timers reports the number of armed timers.
func (l *Loop) Timers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.exited)

	l.logger.Debug("event loop started")
	defer l.logger.Debug("event loop stopped")

	for {
		l.runTasks()
		wait := l.runTimers()

		select {
		case <-l.quit:
			return
		default:
		}

		if !timerPool.park(wait, l.wake, l.quit) {
			return
		}
	}
}

func (l *Loop) stopping() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for i, fn := range tasks {
		if l.stopping() {
			return
		}
		l.dispatch(fn)
		tasks[i] = nil
	}
}

// runTimers fires every due timer and returns the time until the next one, or -1 when no
// timer is armed.
func (l *Loop) runTimers() time.Duration {
	for !l.stopping() {
		t, wait := l.nextDue(time.Now())
		if t == nil {
			return wait
		}
		l.fire(t)
	}
	return -1
}

// nextDue takes the earliest timer due at now off the heap, re-arming it when it repeats.
// Otherwise it returns nil and the time until the next deadline, or -1 without timers.
func (l *Loop) nextDue(now time.Time) (*timer, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.timers) == 0 {
		return nil, -1
	}
	t := l.timers[0]
	if t.when.After(now) {
		return nil, t.when.Sub(now)
	}

	if t.repeat {
		l.seq++
		t.seq = l.seq
		t.when = now.Add(t.delay)
		heap.Fix(&l.timers, 0)
	} else {
		heap.Pop(&l.timers)
	}
	return t, 0
}

// fire runs the callback of a timer returned by nextDue unless it was killed, or a one-shot
// timer was reset, in between.
func (l *Loop) fire(t *timer) {
	l.mu.Lock()
	if t.killed || (!t.repeat && t.index >= 0) {
		l.mu.Unlock()
		return
	}
	if !t.repeat {
		delete(l.byID, t.id)
	}
	l.mu.Unlock()

	l.dispatch(func() { t.callback(t.id) })
}

func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered from panic in event loop callback", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
