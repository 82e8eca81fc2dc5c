// internal/lifecycle/lifecycle.go
package lifecycle

import (
	"context"
	"time"
)

// State tracks how far the teardown of one browser instance has progressed.
type State int

const (
	// Idle means no close is in progress.
	Idle State = iota
	// CloseRequested means the host asked the engine to close the browser.
	CloseRequested
	// UnloadPending means an unload confirmation prompt is showing.
	UnloadPending
	// UnloadConfirmedClosing means the prompt was answered and the engine is closing.
	UnloadConfirmedClosing
	// WaitingForNativeClose means the close wait switched to its short window.
	WaitingForNativeClose
	// ClosedByHost means the host disposed the browser without waiting.
	ClosedByHost
	// ClosedByNative means the engine closed the browser on its own, e.g. window.close().
	ClosedByNative
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CloseRequested:
		return "CloseRequested"
	case UnloadPending:
		return "UnloadPending"
	case UnloadConfirmedClosing:
		return "UnloadConfirmedClosing"
	case WaitingForNativeClose:
		return "WaitingForNativeClose"
	case ClosedByHost:
		return "ClosedByHost"
	case ClosedByNative:
		return "ClosedByNative"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// closing reports whether s belongs to a host close() that is still waiting.
func (s State) closing() bool {
	switch s {
	case CloseRequested, UnloadPending, UnloadConfirmedClosing, WaitingForNativeClose:
		return true
	}
	return false
}

// Machine holds the state of one instance. It is owned by the host loop
// goroutine and is not safe for concurrent use.
type Machine struct {
	state  State
	origin State
}

// New returns a machine in Idle.
func New() *Machine {
	return &Machine{}
}

func (m *Machine) State() State { return m.state }

// Origin reports how a Closed machine got there: CloseRequested for a host
// close, ClosedByHost for a dispose, ClosedByNative for an engine close.
func (m *Machine) Origin() State { return m.origin }

// IsClosing reports whether any close or dispose has started.
func (m *Machine) IsClosing() bool { return m.state != Idle }

// IsClosed reports whether teardown has completed.
func (m *Machine) IsClosed() bool { return m.state == Closed }

// RequestClose moves Idle to CloseRequested. Any other state refuses.
func (m *Machine) RequestClose() bool {
	if m.state != Idle {
		return false
	}
	m.state = CloseRequested
	return true
}

// UnloadPrompt records that an unload confirmation is about to be shown.
// Prompts are only honoured while a host close is waiting for them.
func (m *Machine) UnloadPrompt() bool {
	if m.state != CloseRequested {
		return false
	}
	m.state = UnloadPending
	return true
}

// UnloadAnswered records that the user answered the unload prompt.
func (m *Machine) UnloadAnswered() {
	if m.state == UnloadPending {
		m.state = UnloadConfirmedClosing
	}
}

// DialogClosed is the engine's notice that its dialog went away. For an
// unload prompt it has the same effect as an answer.
func (m *Machine) DialogClosed() {
	m.UnloadAnswered()
}

// BeginShortWait moves UnloadConfirmedClosing to WaitingForNativeClose.
func (m *Machine) BeginShortWait() bool {
	if m.state != UnloadConfirmedClosing {
		return false
	}
	m.state = WaitingForNativeClose
	return true
}

// NativeClosed records the engine's before-close notification and moves the
// machine to Closed. It reports whether the host started the teardown; when
// it did not, the caller is expected to dispose the host widget.
func (m *Machine) NativeClosed() (hostInitiated bool) {
	switch {
	case m.state == Idle:
		m.state = ClosedByNative
		m.origin = ClosedByNative
	case m.state.closing():
		m.origin = CloseRequested
	case m.state == ClosedByHost:
		m.origin = ClosedByHost
	case m.state == Closed:
		return m.origin != ClosedByNative
	}
	hostInitiated = m.origin != ClosedByNative
	m.state = Closed
	return hostInitiated
}

// Dispose marks host-initiated disposal. It reports whether the caller must
// ask the engine to close: only a dispose from Idle does, since any other
// live state already has a native close in flight. Repeated calls and calls
// after teardown are no-ops.
func (m *Machine) Dispose() (callNative bool) {
	switch m.state {
	case ClosedByHost, ClosedByNative, Closed:
		return false
	}
	callNative = m.state == Idle
	m.state = ClosedByHost
	return callNative
}

// CloseFailed returns a timed-out close to Idle so it can be retried. A
// dispose or native close that happened meanwhile is left alone.
func (m *Machine) CloseFailed() {
	if m.state.closing() {
		m.state = Idle
	}
}

// Waiter is the host loop as seen by the close wait.
type Waiter interface {
	// Dispatch runs one unit of pending host work and reports whether it did.
	Dispatch() bool
	// Wait sleeps until work arrives or max elapses.
	Wait(max time.Duration)
}

// Timing holds the budgets of the close wait.
type Timing struct {
	CloseTimeout    time.Duration
	LoopInterval    time.Duration
	UnloadExtension time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// WaitClose pumps the host loop until the machine reaches Closed or the
// deadline passes. While an unload prompt is showing the deadline keeps
// moving out; once the prompt is answered the remaining wait shrinks to two
// loop intervals. On failure the machine goes back to Idle.
func (m *Machine) WaitClose(ctx context.Context, w Waiter, t Timing) bool {
	now := t.Now
	if now == nil {
		now = time.Now
	}
	deadline := now().Add(t.CloseTimeout)
	closed := false

	for now().Before(deadline) && ctx.Err() == nil {
		switch m.state {
		case UnloadPending:
			deadline = deadline.Add(t.UnloadExtension)
			if floor := now().Add(t.UnloadExtension); deadline.Before(floor) {
				deadline = floor
			}
		case UnloadConfirmedClosing:
			m.BeginShortWait()
			deadline = now().Add(2 * t.LoopInterval)
		case Closed:
			closed = true
		}
		if closed {
			break
		}
		if !w.Dispatch() {
			w.Wait(t.LoopInterval)
		}
	}

	if !closed && m.state == Closed {
		closed = true
	}
	if !closed {
		m.CloseFailed()
	}
	return closed
}
