// internal/bridge/handlers.go
package bridge

import (
	"net/url"
	"path/filepath"

	"github.com/xkilldash9x/browserhost/internal/events"
	"github.com/xkilldash9x/browserhost/internal/gate"
	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

const maxProgress = 100

// handle dispatches one routed notification. The return value follows the
// per-notification contract in package native.
func (b *Bridge) handle(n native.Notification) bool {
	switch n := n.(type) {
	case native.DoClose:
		return false
	case native.BeforeBrowse:
		return b.beforeBrowse(n)
	case native.AddressChange:
		b.addressChange(n)
	case native.TitleChange:
		b.events.TitleChanged(&events.TitleEvent{Title: plainURL(n.Title)})
	case native.StatusMessage:
		b.events.StatusTextChanged(&events.StatusTextEvent{Text: n.Text})
	case native.LoadingStateChange:
		b.loadingStateChange(n)
	case native.GotFocus:
		b.gotFocus()
	case native.SetFocusRequest:
		return b.setFocusRequest()
	case native.TakeFocus:
		b.hasFocus = false
		b.widget.TraverseFocus(n.Next)
	case native.JSDialog:
		return b.jsDialog(n)
	case native.BeforeUnloadDialog:
		return b.beforeUnloadDialog(n)
	case native.DialogClosed:
		b.machine.DialogClosed()
	case native.AuthCredentials:
		return b.authenticate(n)
	case native.ProcessMessage:
		return b.processMessage(n)
	case native.ConsoleMessage:
		return b.console(n)
	case native.BeforeDownload:
		return b.beforeDownload(n)
	case native.DownloadUpdated:
		if n.Complete || n.Canceled {
			b.events.DownloadFinished(!n.Canceled, n.FullPath)
		}
	case native.ResourceRequest:
		return b.resourceRequest(n)
	default:
		b.logger.Debug("Unhandled notification", zap.String("kind", n.Kind()))
	}
	return false
}

// beforeBrowse lets location listeners veto a main frame navigation. A
// vetoed navigation re-arms the progress gate so progress events stay
// suppressed until the next load settles.
func (b *Bridge) beforeBrowse(n native.BeforeBrowse) bool {
	if b.isDisposed() || !n.MainFrame {
		return false
	}
	ev := &events.LocationEvent{Location: plainURL(n.URL), Top: true, Doit: true}

	b.rt.pump.Pause()
	b.events.LocationChanging(ev)
	b.rt.pump.Unpause()

	if !ev.Doit {
		b.logger.Debug("Navigation vetoed by listener", zap.String("url", ev.Location))
		b.progress = gate.New()
		return true
	}
	b.rearmLoaded()
	return false
}

func (b *Bridge) addressChange(n native.AddressChange) {
	if b.isDisposed() {
		return
	}
	ev := &events.LocationEvent{Location: plainURL(n.URL), Top: n.MainFrame, Doit: true}
	if !b.progress.IsDone() {
		return
	}
	b.rt.loop.Post(func() { b.events.LocationChanged(ev) })
}

func (b *Bridge) loadingStateChange(n native.LoadingStateChange) {
	if b.isDisposed() {
		return
	}
	b.canGoBack = n.CanGoBack
	b.canGoForward = n.CanGoForward
	if n.Loading {
		b.rearmLoaded()
	} else {
		b.reregisterFunctions()
	}
	b.updateText()
	ready := b.textReady
	if !n.Loading {
		loaded := b.loaded
		ready.Then(func(string) { loaded.Complete() })
	}

	switch {
	case b.popup != nil:
		ready.Then(func(string) { b.progress.Complete() })
	case !b.progress.IsDone() && !n.Loading:
		ready.Then(func(string) { b.progress.Complete() })
		return
	case !b.progress.IsDone():
		return
	}

	ev := &events.ProgressEvent{Current: 1, Total: maxProgress}
	if n.Loading {
		b.events.ProgressChanged(ev)
		return
	}
	ev.Current = maxProgress
	ready.Then(func(string) {
		b.rt.loop.Post(func() { b.events.ProgressCompleted(ev) })
	})
}

// -- focus --

func (b *Bridge) gotFocus() {
	if b.isDisposed() {
		return
	}
	b.hasFocus = true
	b.widget.SetFocus()
	b.browserFocus(true)
}

// setFocusRequest swallows the engine's first focus grab so that creating a
// browser does not steal focus from the host.
func (b *Bridge) setFocusRequest() bool {
	if b.ignoreFirstFocus {
		b.ignoreFirstFocus = false
		return true
	}
	return false
}

func (b *Bridge) browserFocus(set bool) {
	if b.id == 0 || b.isDisposed() {
		return
	}
	b.rt.engine.SetFocus(b.id, set, b.widget.Handle())
}

// FocusGained is called by the host when the widget receives focus.
func (b *Bridge) FocusGained() {
	b.browserFocus(true)
}

// FocusLost is called by the host when the widget loses focus.
func (b *Bridge) FocusLost() {
	b.hasFocus = false
	b.browserFocus(false)
}

// IsFocusControl reports whether the page holds keyboard focus.
func (b *Bridge) IsFocusControl() bool { return b.hasFocus }

// -- dialogs --

func (b *Bridge) jsDialog(n native.JSDialog) bool {
	if b.isDisposed() {
		return false
	}
	ok, input := b.dialogs.ShowDialog(Dialog{
		Type:          n.Type,
		Title:         plainURL(n.OriginURL),
		Message:       n.Message,
		DefaultPrompt: n.DefaultPrompt,
	})
	n.Callback.Continue(ok, input)
	return true
}

// beforeUnloadDialog only shows the leave-page prompt while a host close is
// waiting for it; otherwise the engine handles the dialog itself.
func (b *Bridge) beforeUnloadDialog(n native.BeforeUnloadDialog) bool {
	if !b.machine.UnloadPrompt() {
		return false
	}
	ok, _ := b.dialogs.ShowDialog(Dialog{
		Type:    native.DialogConfirm,
		Title:   unloadDialogTitle,
		Message: n.Message,
	})
	n.Callback.Continue(ok, "")
	b.machine.UnloadAnswered()
	return true
}

// -- authentication --

func (b *Bridge) authenticate(n native.AuthCredentials) bool {
	if b.isDisposed() {
		return false
	}
	current, err := url.Parse(b.GetURL())
	if err != nil || current.Scheme == "" {
		b.logger.Debug("Cannot derive authentication location", zap.String("url", b.url), zap.Error(err))
		return false
	}
	ev := &events.AuthenticationEvent{
		Location: current.Scheme + "://" + n.Host,
		Doit:     true,
	}
	b.events.Authenticate(ev)

	if ev.Doit && ev.User == "" && ev.Password == "" {
		ev.User, ev.Password, ev.Doit = b.dialogs.PromptCredentials(ev.Location, n.Realm)
	}
	if !ev.Doit {
		return false
	}
	n.Callback.Continue(ev.User, ev.Password)
	return true
}

// -- console and downloads --

func (b *Bridge) console(n native.ConsoleMessage) bool {
	ev := &events.ConsoleEvent{
		Level:   events.ConsoleLevel(n.Level),
		Message: n.Message,
		Source:  n.Source,
		Line:    n.Line,
	}
	b.logger.Debug("Console message",
		zap.Stringer("level", ev.Level),
		zap.String("message", ev.Message),
		zap.String("source", ev.Source),
		zap.Int("line", ev.Line),
	)
	if b.events.Console.Len() == 0 {
		return false
	}
	b.events.ConsoleMessage(ev)
	return true
}

func (b *Bridge) beforeDownload(n native.BeforeDownload) bool {
	if b.isDisposed() {
		return false
	}
	path, ok := b.events.BeforeDownload(n.SuggestedName, n.URL)
	if !ok {
		return false
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	b.logger.Info("Download accepted", zap.String("url", n.URL), zap.String("path", path))
	n.Callback.Continue(path)
	return true
}
