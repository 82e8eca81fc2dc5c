// internal/bridge/widget.go
package bridge

import (
	"sync"

	"github.com/xkilldash9x/browserhost/internal/native"
)

// Widget is the host control a browser is embedded in. Painting and layout
// belong to the host; the bridge only needs identity, geometry, focus and
// disposal.
type Widget interface {
	Handle() native.WindowHandle
	Size() (width, height int)
	IsDisposed() bool
	// Dispose destroys the control. It must be idempotent and run dispose
	// listeners exactly once.
	Dispose()
	AddDisposeListener(fn func())
	// SetFocus gives the control keyboard focus.
	SetFocus() bool
	// TraverseFocus moves focus to the next or previous control in tab
	// order, falling back to the parent.
	TraverseFocus(next bool)
}

// HeadlessWidget is a Widget without a window, used by the CLI and tests.
type HeadlessWidget struct {
	mu        sync.Mutex
	width     int
	height    int
	disposed  bool
	focused   bool
	listeners []func()

	// Traversals records TraverseFocus calls, true for forward.
	Traversals []bool
}

func NewHeadlessWidget(width, height int) *HeadlessWidget {
	return &HeadlessWidget{width: width, height: height}
}

func (w *HeadlessWidget) Handle() native.WindowHandle { return 0 }

func (w *HeadlessWidget) Size() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

// SetSize changes the reported geometry.
func (w *HeadlessWidget) SetSize(width, height int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.width, w.height = width, height
}

func (w *HeadlessWidget) IsDisposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

func (w *HeadlessWidget) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	listeners := w.listeners
	w.listeners = nil
	w.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (w *HeadlessWidget) AddDisposeListener(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *HeadlessWidget) SetFocus() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return false
	}
	w.focused = true
	return true
}

// Focused reports whether the widget holds focus.
func (w *HeadlessWidget) Focused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}

func (w *HeadlessWidget) TraverseFocus(next bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.focused = false
	w.Traversals = append(w.Traversals, next)
}
