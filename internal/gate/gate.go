// internal/gate/gate.go
package gate

import "sync"

// Gate is a single-use synchronization point. It starts unsatisfied, is
// completed at most once, and runs its continuations on the goroutine that
// completes it. A new cycle replaces the Gate rather than resetting it.
type Gate struct {
	mu      sync.Mutex
	done    bool
	doneCh  chan struct{}
	pending []func()
}

// New returns an unsatisfied gate.
func New() *Gate {
	return &Gate{doneCh: make(chan struct{})}
}

// Completed returns a gate that is already satisfied.
func Completed() *Gate {
	g := New()
	g.Complete()
	return g
}

// Complete satisfies the gate and runs queued continuations in registration
// order. Only the first call has an effect; it reports whether it won.
func (g *Gate) Complete() bool {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return false
	}
	g.done = true
	close(g.doneCh)
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return true
}

// IsDone reports whether the gate has been satisfied.
func (g *Gate) IsDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Done is closed once the gate is satisfied.
func (g *Gate) Done() <-chan struct{} {
	return g.doneCh
}

// Then runs fn now if the gate is satisfied, otherwise when it is.
func (g *Gate) Then(fn func()) {
	g.mu.Lock()
	if !g.done {
		g.pending = append(g.pending, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// Value is a Gate that carries the value it was completed with.
type Value[T any] struct {
	g   *Gate
	mu  sync.Mutex
	set bool
	val T
}

// NewValue returns an unsatisfied value gate.
func NewValue[T any]() *Value[T] {
	return &Value[T]{g: New()}
}

// Complete stores v and satisfies the gate. Later calls are ignored.
func (v *Value[T]) Complete(val T) bool {
	v.mu.Lock()
	if v.set {
		v.mu.Unlock()
		return false
	}
	v.set = true
	v.val = val
	v.mu.Unlock()
	return v.g.Complete()
}

// Get returns the completion value and whether the gate is satisfied.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val, v.set
}

func (v *Value[T]) IsDone() bool          { return v.g.IsDone() }
func (v *Value[T]) Done() <-chan struct{} { return v.g.Done() }

// Then runs fn with the completion value once the gate is satisfied.
func (v *Value[T]) Then(fn func(T)) {
	v.g.Then(func() {
		val, _ := v.Get()
		fn(val)
	})
}
