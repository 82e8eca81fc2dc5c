// internal/bridge/bridge.go
package bridge

import (
	"context"

	"github.com/google/uuid"
	"github.com/xkilldash9x/browserhost/internal/events"
	"github.com/xkilldash9x/browserhost/internal/gate"
	"github.com/xkilldash9x/browserhost/internal/lifecycle"
	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

const aboutBlank = "about:blank"

// Bridge is one browser instance embedded in a host widget. All methods must
// be called on the host loop goroutine.
type Bridge struct {
	rt        *Runtime
	widget    Widget
	events    *events.Dispatcher
	dialogs   DialogHandler
	logger    *zap.Logger
	client    *browserClient
	sessionID string

	instance        int
	id              native.ID
	createRequested bool
	createdURL      string
	detached        bool
	machine         *lifecycle.Machine

	// created is satisfied once the native handle exists. progress gates
	// navigation and progress events; it is replaced when a navigation is
	// blocked. loaded is satisfied when the current top-level load finished
	// and its text arrived; every new top-level navigation replaces it.
	// textReady is satisfied when the latest page text arrived.
	created   *gate.Gate
	progress  *gate.Gate
	loaded    *gate.Gate
	textReady *gate.Value[string]
	text      string
	visitor   *textVisitor

	url      string
	postData string
	headers  []string

	canGoBack        bool
	canGoForward     bool
	hasFocus         bool
	ignoreFirstFocus bool

	jsEnabled           bool
	jsEnabledOnNextPage bool
	background          uint32

	// popup holds the open-window event when this bridge was created to host
	// a popup.
	popup *events.WindowEvent

	functions     map[int]*Function
	functionIndex int

	handlers map[string]RequestHandler
}

func newBridge(rt *Runtime, instance int, widget Widget, opts BrowserOptions) *Bridge {
	sessionID := uuid.NewString()
	b := &Bridge{
		rt:                  rt,
		widget:              widget,
		dialogs:             opts.Dialogs,
		sessionID:           sessionID,
		instance:            instance,
		machine:             lifecycle.New(),
		created:             gate.New(),
		progress:            gate.New(),
		loaded:              gate.New(),
		textReady:           gate.NewValue[string](),
		ignoreFirstFocus:    true,
		jsEnabled:           opts.Javascript,
		jsEnabledOnNextPage: opts.Javascript,
		background:          opts.Background,
		functions:           make(map[int]*Function),
		handlers:            make(map[string]RequestHandler),
		logger: rt.logger.With(
			zap.String("session_id", sessionID),
			zap.Int("instance", instance),
		),
	}
	b.events = events.NewDispatcher(b.logger)
	b.client = &browserClient{rt: rt, b: b}
	widget.AddDisposeListener(b.Dispose)
	return b
}

// Events returns the listener sets of this browser.
func (b *Bridge) Events() *events.Dispatcher { return b.events }

// InstanceID is the host-assigned instance number, unique per runtime.
func (b *Bridge) InstanceID() int { return b.instance }

// NativeID is the engine id, or 0 before creation and after close.
func (b *Bridge) NativeID() native.ID { return b.id }

// SessionID identifies this bridge in logs.
func (b *Bridge) SessionID() string { return b.sessionID }

// State reports the teardown state.
func (b *Bridge) State() lifecycle.State { return b.machine.State() }

// Created is closed once the native browser exists.
func (b *Bridge) Created() <-chan struct{} { return b.created.Done() }

// Loaded reports whether the current page has finished loading and its
// text is known. A new navigation resets it.
func (b *Bridge) Loaded() bool { return b.loaded.IsDone() }

// rearmLoaded starts waiting for the next top-level load.
func (b *Bridge) rearmLoaded() {
	if b.loaded.IsDone() {
		b.loaded = gate.New()
	}
}

// Widget returns the host control.
func (b *Bridge) Widget() Widget { return b.widget }

func (b *Bridge) isDisposed() bool {
	return b.detached || b.widget.IsDisposed() || b.machine.IsClosed()
}

func (b *Bridge) checkBrowser() error {
	if b.id == 0 {
		return ErrDisposed
	}
	return nil
}

// Create asks the engine for the native browser. It is idempotent; the
// handle arrives asynchronously and satisfies Created.
func (b *Bridge) Create() error {
	if b.isDisposed() {
		return ErrDisposed
	}
	if b.createRequested {
		return nil
	}
	if b.machine.State() != lifecycle.Idle {
		return ErrDisposed
	}
	b.createRequested = true

	url := b.url
	if url == "" || b.postData != "" || len(b.headers) > 0 {
		// Post data and headers only travel with LoadURL; replay after
		// creation.
		url = aboutBlank
	}
	b.createdURL = url

	w, h := b.widget.Size()
	err := b.rt.engine.CreateBrowser(native.CreateRequest{
		Parent:     b.widget.Handle(),
		URL:        url,
		Client:     b.client,
		Width:      w,
		Height:     h,
		Scripting:  b.jsEnabledOnNextPage,
		Background: b.background,
	})
	if err != nil {
		b.createRequested = false
		b.logger.Error("Failed to create native browser", zap.Error(err))
		return err
	}
	b.logger.Debug("Native browser requested", zap.String("url", url))
	return nil
}

// awaitCreated creates the browser if needed and pumps the host loop until
// its handle exists.
func (b *Bridge) awaitCreated(ctx context.Context) error {
	if b.id != 0 {
		return nil
	}
	if err := b.Create(); err != nil {
		return err
	}
	if err := b.rt.loop.RunUntil(ctx, func() bool {
		return b.created.IsDone() || b.isDisposed()
	}); err != nil {
		return err
	}
	return b.checkBrowser()
}

func (b *Bridge) afterCreated(id native.ID) {
	if id == 0 {
		b.created.Complete()
		return
	}
	b.id = id

	if b.machine.State() != lifecycle.Idle {
		// Disposed while the engine was still creating it.
		b.logger.Debug("Closing browser disposed before creation finished")
		b.rt.engine.CloseBrowser(id, true)
		b.created.Complete()
		return
	}

	if b.popup == nil {
		w, h := b.widget.Size()
		b.rt.engine.Resize(id, w, h)
	}

	switch {
	case b.popup != nil && b.url != "":
		b.load()
	case b.popup == nil && (b.url != "" && b.url != b.createdURL || b.postData != "" || len(b.headers) > 0):
		b.progress.Complete()
		b.load()
	case b.url != aboutBlank:
		b.progress.Complete()
	}
	b.created.Complete()
	b.logger.Info("Browser created", zap.Int("id", int(id)))

	if b.popup != nil && !b.isDisposed() {
		show := &events.WindowEvent{
			Location:  b.popup.Location,
			Size:      b.popup.Size,
			MenuBar:   b.popup.MenuBar,
			StatusBar: b.popup.StatusBar,
			ToolBar:   b.popup.ToolBar,
		}
		b.events.WindowShow(show)
	}
}

// Close asks the page to close, running unload handlers, and waits for the
// engine to confirm. It returns false when a close is already in progress,
// the browser is disposed, or the engine did not close in time; a failed
// close leaves the browser usable and may be retried.
func (b *Bridge) Close() bool {
	return b.CloseContext(context.Background())
}

// CloseContext is Close bounded by ctx as well as the close timeout.
func (b *Bridge) CloseContext(ctx context.Context) bool {
	if b.machine.State() != lifecycle.Idle || b.isDisposed() {
		return false
	}
	if b.id == 0 {
		return true
	}
	b.machine.RequestClose()
	b.rt.engine.CloseBrowser(b.id, false)
	if !b.machine.WaitClose(ctx, b.rt.loop, b.rt.timing()) {
		b.logger.Warn("Browser did not close in time", zap.Stringer("state", b.machine.State()))
		return false
	}
	b.widget.Dispose()
	return true
}

// Dispose tears the browser down without waiting for unload handlers. It is
// idempotent and also runs when the host widget is disposed.
func (b *Bridge) Dispose() {
	switch b.machine.State() {
	case lifecycle.ClosedByHost, lifecycle.ClosedByNative, lifecycle.Closed:
		return
	}
	callNative := b.machine.Dispose()
	if b.createRequested {
		b.rt.disposingAny++
	}
	if b.id != 0 && callNative {
		b.rt.engine.CloseBrowser(b.id, true)
	}
	b.logger.Debug("Browser disposed", zap.Bool("native_close", callNative && b.id != 0))
	b.widget.Dispose()
}

func (b *Bridge) beforeClose() {
	if !b.isDisposed() {
		b.events.WindowClosed(&events.WindowEvent{})
	}
	if hostInitiated := b.machine.NativeClosed(); !hostInitiated {
		b.widget.Dispose()
	}

	b.rt.loop.Post(func() {
		if b.visitor != nil {
			b.visitor.free()
		}
		b.rt.releaseHosts(b)
	})
	b.logger.Info("Browser closed", zap.Int("id", int(b.id)), zap.Stringer("origin", b.machine.Origin()))
	b.id = 0
	b.detached = true
	b.canGoBack = false
	b.canGoForward = false
}
