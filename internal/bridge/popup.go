// internal/bridge/popup.go
package bridge

import (
	"github.com/xkilldash9x/browserhost/internal/events"
	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

// beforePopup answers a page's request for a new window. Open listeners may
// hand over a not-yet-created Bridge to host it, mark the popup Required to
// cancel it, or do neither, in which case the engine gets an anonymous
// responder. It returns true to cancel.
func (b *Bridge) beforePopup(n native.BeforePopup) bool {
	if b.isDisposed() {
		return true
	}

	f := n.Features
	ev := &events.WindowEvent{
		AddressBar: false,
		MenuBar:    f.MenuBarVisible,
		StatusBar:  f.StatusBarVisible,
		ToolBar:    f.ToolBarVisible,
	}
	if f.XSet || f.YSet {
		ev.Location = &events.Point{X: f.X, Y: f.Y}
	}
	if f.WidthSet || f.HeightSet {
		ev.Size = &events.Size{Width: f.Width, Height: f.Height}
	}
	b.events.WindowOpen(ev)

	switch {
	case ev.Browser != nil:
		target, ok := ev.Browser.(*Bridge)
		if ok && target.rt == b.rt && target.id == 0 && !target.createRequested && !target.isDisposed() {
			target.adoptPopup(n.Slot, ev)
		} else {
			b.logger.Debug("Popup target already has a browser, cancelling popup")
			ev.Required = true
		}
	case !ev.Required:
		var x, y, w, h int
		if ev.Location != nil {
			x, y = ev.Location.X, ev.Location.Y
		}
		if ev.Size != nil {
			w, h = ev.Size.Width, ev.Size.Height
		}
		b.rt.engine.SetWindowInfo(n.Slot, b.rt.anonymous, 0, x, y, w, h)
	}
	return ev.Required
}

// adoptPopup makes b the responder for the pending popup in slot. Its native
// browser is created by the engine and announced through AfterCreated.
func (b *Bridge) adoptPopup(slot native.PopupSlot, ev *events.WindowEvent) {
	b.popup = ev
	b.createRequested = true
	b.logger.Debug("Adopting popup", zap.Int("slot", int(slot)))
	b.rt.engine.SetWindowInfo(slot, b.client, b.widget.Handle(), 0, 0, 0, 0)
}
