// internal/bridge/text.go
package bridge

import (
	"context"

	"github.com/xkilldash9x/browserhost/internal/gate"
	"github.com/xkilldash9x/browserhost/internal/lifecycle"
)

// textVisitor receives page text from the engine. One visitor is shared by
// all outstanding requests of a browser and freed when the last answer
// arrives.
type textVisitor struct {
	b     *Bridge
	refs  int
	freed bool
}

func (v *textVisitor) Visit(text string, ok bool) {
	// Answers may arrive on an engine goroutine.
	v.b.rt.loop.Post(func() { v.visit(text, ok) })
}

func (v *textVisitor) visit(text string, ok bool) {
	if v.freed {
		return
	}
	v.refs--
	if v.refs <= 0 {
		v.free()
	}
	if ok {
		v.b.text = text
		v.b.textReady.Complete(text)
	}
}

func (v *textVisitor) free() {
	v.freed = true
	if v.b.visitor == v {
		v.b.visitor = nil
	}
}

// updateText requests the current page text. Requests issued while one is
// outstanding share its TextReady gate.
func (b *Bridge) updateText() {
	if b.id == 0 || b.isDisposed() || b.machine.State() != lifecycle.Idle {
		return
	}
	if b.visitor != nil {
		b.visitor.refs++
	} else {
		b.visitor = &textVisitor{b: b, refs: 1}
	}
	if b.textReady.IsDone() {
		b.textReady = gate.NewValue[string]()
	}
	b.rt.engine.GetText(b.id, b.visitor)
}

// GetText fetches the text of the current page, pumping the host loop until
// it arrives. While the browser is closing the last known text is returned.
// Without a deadline on ctx the wait is bounded like Evaluate.
func (b *Bridge) GetText(ctx context.Context) (string, error) {
	if err := b.checkBrowser(); err != nil {
		return "", err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.rt.opts.EvaluateTimeout)
		defer cancel()
	}
	b.updateText()
	ready := b.textReady
	if b.machine.State() != lifecycle.Idle {
		return b.text, nil
	}
	if err := b.rt.loop.RunUntil(ctx, func() bool { return ready.IsDone() || b.id == 0 }); err != nil {
		return b.text, err
	}
	return b.text, nil
}
