// internal/hostloop/hostloop.go
package hostloop

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// idleWait bounds a single sleep when nothing is scheduled, so closed loops
// and cancelled contexts are noticed promptly even without a wake signal.
const idleWait = 250 * time.Millisecond

// Loop is a single-threaded event loop in the style of a GUI toolkit's
// display loop. Exactly one goroutine drives it through Dispatch, Run or
// RunUntil; Post and timer operations are safe from any goroutine.
//
// Dispatch is re-entrant: a task may call RunUntil to pump the loop while it
// waits, and other tasks and timers will run during that nested dispatch.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	timers timerHeap
	seq    uint64
	closed bool

	wake chan struct{}
}

// New creates an empty loop.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger.Named("hostloop"),
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop goroutine. Tasks run in FIFO order. It
// reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// AfterFunc schedules fn to run on the loop goroutine after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn, index: -1}
	l.mu.Lock()
	if !l.closed {
		l.schedule(t, d)
	}
	l.mu.Unlock()
	l.signal()
	return t
}

// Dispatch runs one queued task, or failing that one due timer. It reports
// whether anything ran.
func (l *Loop) Dispatch() bool {
	l.mu.Lock()
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		l.run(fn)
		return true
	}
	if len(l.timers) > 0 && !l.timers[0].when.After(time.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		fn := t.fn
		l.mu.Unlock()
		l.run(fn)
		return true
	}
	l.mu.Unlock()
	return false
}

// Wait sleeps until a task is posted, a timer becomes due, or max elapses.
func (l *Loop) Wait(max time.Duration) {
	l.wait(context.Background(), max)
}

func (l *Loop) wait(ctx context.Context, max time.Duration) {
	l.mu.Lock()
	if len(l.tasks) > 0 || l.closed {
		l.mu.Unlock()
		return
	}
	d := max
	if len(l.timers) > 0 {
		if untilNext := time.Until(l.timers[0].when); untilNext < d {
			d = untilNext
		}
	}
	l.mu.Unlock()
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Run dispatches until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for l.Dispatch() {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.IsClosed() {
			return nil
		}
		l.wait(ctx, idleWait)
	}
}

// RunUntil dispatches until cond reports true. It returns ctx.Err() if the
// context ends first. Called from inside a task it performs a nested
// dispatch, so unrelated tasks and timers may run before it returns.
func (l *Loop) RunUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Dispatch() {
			continue
		}
		if l.IsClosed() {
			return fmt.Errorf("host loop closed while waiting")
		}
		l.wait(ctx, idleWait)
	}
	return nil
}

// Close stops accepting work and drops queued tasks and timers.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.tasks = nil
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.mu.Unlock()
	l.signal()
}

// IsClosed reports whether Close was called.
func (l *Loop) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Pending reports the number of queued tasks and armed timers.
func (l *Loop) Pending() (tasks, timers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks), len(l.timers)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run executes a task. A panicking task is logged and does not take the loop
// down with it.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic in host loop task", zap.Any("panic_value", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// schedule arms t; l.mu must be held.
func (l *Loop) schedule(t *Timer, d time.Duration) {
	l.seq++
	t.seq = l.seq
	t.when = time.Now().Add(d)
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
		return
	}
	heap.Push(&l.timers, t)
}

// Timer is a one-shot timer whose callback runs on the loop goroutine.
type Timer struct {
	loop  *Loop
	fn    func()
	when  time.Time
	seq   uint64
	index int
}

// Stop disarms the timer. It reports whether the timer was armed.
func (t *Timer) Stop() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Reset re-arms the timer to fire after d, whether or not it already fired.
// It reports whether the timer was armed before the call.
func (t *Timer) Reset(d time.Duration) bool {
	l := t.loop
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	wasArmed := t.index >= 0
	l.schedule(t, d)
	l.mu.Unlock()
	l.signal()
	return wasArmed
}

// timerHeap orders timers by due time, then by arming order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
