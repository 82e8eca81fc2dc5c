// internal/engine/sim/browser.go
package sim

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

const (
	aboutBlank  = "about:blank"
	blankSource = "<html><head></head><body></body></html>"

	defaultUnloadMessage = "Changes you made may not be saved."
)

var errClosed = errors.New("browser closed")

// navigation is one main frame load request.
type navigation struct {
	url    string
	method string
	header http.Header
	body   []byte
	// historyIndex is the history entry the load replaces; -1 appends.
	historyIndex int
	userGesture  bool
}

// browser is one simulated browser. Fields under mu are shared between the
// host goroutine and the renderer; the goja runtime is only touched from
// the renderer loop.
type browser struct {
	e         *Engine
	id        native.ID
	client    native.Client
	logger    *zap.Logger
	loop      *eventloop.EventLoop
	scripting bool
	ctx       context.Context
	cancel    context.CancelFunc
	gone      chan struct{}
	stopOnce  sync.Once

	mu        sync.Mutex
	vm        *goja.Runtime
	url       string
	title     string
	html      string
	history   []string
	index     int
	loading   bool
	navSeq    uint64
	width     int
	height    int
	focused   bool
	closing   bool
	functions map[string]int
	calls     map[int]chan codec.Value
	nextPort  int
}

func newBrowser(e *Engine, id native.ID, req native.CreateRequest) *browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &browser{
		e:         e,
		id:        id,
		client:    req.Client,
		logger:    e.logger.With(zap.Int("browser", int(id))),
		loop:      eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		scripting: req.Scripting,
		ctx:       ctx,
		cancel:    cancel,
		gone:      make(chan struct{}),
		index:     -1,
		width:     req.Width,
		height:    req.Height,
		functions: make(map[string]int),
		calls:     make(map[int]chan codec.Value),
	}
}

func (b *browser) start() {
	b.loop.Start()
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		b.mu.Lock()
		b.vm = vm
		b.mu.Unlock()
		b.installGlobals(vm)
	})
}

// post queues n for the host unless the browser is going away.
func (b *browser) post(n native.Notification, reply func(handled bool)) {
	if !b.alive() {
		return
	}
	b.e.post(delivery{id: b.id, client: b.client, n: n, reply: reply})
}

func (b *browser) alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closing
}

func (b *browser) currentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *browser) historyState() (back, forward bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index > 0, b.index < len(b.history)-1
}

func (b *browser) current(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return seq == b.navSeq && !b.closing
}

// -- navigation --

// navigate asks the host before loading nav. A newer navigation or Stop
// supersedes it.
func (b *browser) navigate(nav navigation) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.navSeq++
	seq := b.navSeq
	b.loading = true
	b.mu.Unlock()

	b.post(native.BeforeBrowse{URL: nav.url, MainFrame: true, UserGesture: nav.userGesture}, func(cancel bool) {
		if cancel {
			b.logger.Debug("Navigation cancelled by host", zap.String("url", nav.url))
			b.finish(seq)
			return
		}
		if !b.current(seq) {
			return
		}
		back, forward := b.historyState()
		b.post(native.LoadingStateChange{Loading: true, CanGoBack: back, CanGoForward: forward}, nil)
		b.fetch(seq, nav)
	})
}

// finish ends the load seq, committed or not.
func (b *browser) finish(seq uint64) {
	b.mu.Lock()
	if seq != b.navSeq || b.closing {
		b.mu.Unlock()
		return
	}
	b.loading = false
	b.mu.Unlock()
	back, forward := b.historyState()
	b.post(native.LoadingStateChange{Loading: false, CanGoBack: back, CanGoForward: forward}, nil)
}

func (b *browser) reload() {
	b.mu.Lock()
	target, index := b.url, b.index
	b.mu.Unlock()
	if target == "" {
		return
	}
	b.navigate(navigation{url: target, historyIndex: index})
}

func (b *browser) traverse(delta int) {
	b.mu.Lock()
	i := b.index + delta
	if i < 0 || i >= len(b.history) {
		b.mu.Unlock()
		return
	}
	target := b.history[i]
	b.mu.Unlock()
	b.navigate(navigation{url: target, historyIndex: i})
}

func (b *browser) stop() {
	b.mu.Lock()
	if !b.loading || b.closing {
		b.mu.Unlock()
		return
	}
	b.navSeq++
	b.loading = false
	b.mu.Unlock()
	back, forward := b.historyState()
	b.post(native.LoadingStateChange{Loading: false, CanGoBack: back, CanGoForward: forward}, nil)
}

func (b *browser) resize(width, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.width, b.height = width, height
}

func (b *browser) setFocused(focus bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.focused = focus
}

func (b *browser) requestFocus() {
	b.post(native.SetFocusRequest{}, func(handled bool) {
		if handled {
			return
		}
		b.setFocused(true)
		b.post(native.GotFocus{}, nil)
	})
}

// -- scripts --

func (b *browser) evaluate(script string, requestID uint64) bool {
	if !b.alive() {
		return false
	}
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		v := b.run(vm, script)
		b.post(native.ProcessMessage{
			FromRenderer: true,
			Eval:         &native.EvalResult{RequestID: requestID, Value: v},
		}, nil)
	})
	return true
}

func (b *browser) execute(script string) bool {
	if !b.alive() || !b.scripting {
		return false
	}
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		if _, err := vm.RunString(script); err != nil {
			b.reportError(err)
		}
	})
	return true
}

func (b *browser) run(vm *goja.Runtime, script string) codec.Value {
	if !b.scripting {
		return codec.Value{Kind: codec.KindError, Payload: "scripting is disabled"}
	}
	out, err := vm.RunString(script)
	if err != nil {
		return codec.Value{Kind: codec.KindError, Payload: scriptError(err)}
	}
	return toValue(out)
}

func (b *browser) source(visitor native.TextVisitor) {
	b.loop.RunOnLoop(func(*goja.Runtime) {
		b.mu.Lock()
		src := b.html
		b.mu.Unlock()
		if src == "" {
			src = blankSource
		}
		visitor.Visit(src, true)
	})
}

// -- exposed functions --

func (b *browser) registerFunction(name string, index int) bool {
	if !b.alive() {
		return false
	}
	b.mu.Lock()
	b.functions[name] = index
	b.mu.Unlock()
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		b.defineFunction(vm, name, index)
	})
	return true
}

func (b *browser) defineFunction(vm *goja.Runtime, name string, index int) {
	if err := vm.Set(name, b.exposed(vm, index)); err != nil {
		b.logger.Warn("Failed to expose function", zap.String("name", name), zap.Error(err))
	}
}

// exposed returns the page side of a host function. The call blocks the
// renderer until the host answers through FunctionReturn.
func (b *browser) exposed(vm *goja.Runtime, index int) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = exportValue(a)
		}
		port, answer := b.openCall()
		b.post(native.ProcessMessage{
			FromRenderer: true,
			Call:         &native.FunctionCall{Index: index, Port: port, Args: codec.Encode(args)},
		}, func(handled bool) {
			if !handled {
				b.functionReturn(port, codec.Value{Kind: codec.KindError, Payload: "function is not available"})
			}
		})

		select {
		case v := <-answer:
			if v.Kind == codec.KindError {
				panic(vm.NewGoError(errors.New(v.Payload)))
			}
			out, err := codec.Decode(v)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(out)
		case <-b.gone:
			panic(vm.NewGoError(errClosed))
		}
	}
}

func (b *browser) openCall() (int, <-chan codec.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPort++
	ch := make(chan codec.Value, 1)
	b.calls[b.nextPort] = ch
	return b.nextPort, ch
}

func (b *browser) functionReturn(port int, v codec.Value) bool {
	b.mu.Lock()
	ch, ok := b.calls[port]
	delete(b.calls, port)
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// -- dialogs --

type dialogAnswer struct {
	ok    bool
	input string
}

// dialog shows a page dialog through the host and blocks the renderer until
// it is answered. Unhandled dialogs are accepted.
func (b *browser) dialog(typ native.DialogType, message, defaultPrompt string) (bool, string) {
	answers := make(chan dialogAnswer, 1)
	cb := native.DialogCallbackFunc(func(ok bool, input string) {
		select {
		case answers <- dialogAnswer{ok, input}:
		default:
		}
	})
	b.post(native.JSDialog{
		Type:          typ,
		OriginURL:     b.currentURL(),
		Message:       message,
		DefaultPrompt: defaultPrompt,
		Callback:      cb,
	}, func(handled bool) {
		if !handled {
			cb.Continue(true, defaultPrompt)
		}
	})

	select {
	case a := <-answers:
		b.post(native.DialogClosed{}, nil)
		return a.ok, a.input
	case <-b.gone:
		return false, ""
	}
}

// -- closing --

// close runs the page's beforeunload handler unless force is set, and tears
// the browser down once the page agrees.
func (b *browser) close(force bool) {
	if !b.alive() {
		return
	}
	if force {
		b.teardown()
		return
	}
	b.loop.RunOnLoop(func(vm *goja.Runtime) {
		message, ask := b.unloadPrompt(vm)
		if !ask {
			b.teardown()
			return
		}
		answer := native.DialogCallbackFunc(func(ok bool, _ string) {
			b.post(native.DialogClosed{}, nil)
			if ok {
				b.teardown()
			}
		})
		b.post(native.BeforeUnloadDialog{Message: message, Callback: answer}, func(handled bool) {
			if !handled {
				answer.Continue(true, "")
			}
		})
	})
}

func (b *browser) unloadPrompt(vm *goja.Runtime) (string, bool) {
	if !b.scripting {
		return "", false
	}
	handler, ok := goja.AssertFunction(vm.Get("onbeforeunload"))
	if !ok {
		return "", false
	}
	prevented := false
	ev := vm.NewObject()
	_ = ev.Set("returnValue", "")
	_ = ev.Set("preventDefault", func(goja.FunctionCall) goja.Value {
		prevented = true
		return goja.Undefined()
	})

	res, err := handler(vm.GlobalObject(), ev)
	if err != nil {
		b.reportError(err)
		return "", false
	}
	message := ""
	if res != nil && !goja.IsUndefined(res) && !goja.IsNull(res) {
		message = res.String()
	}
	if message == "" {
		if rv := ev.Get("returnValue"); rv != nil && !goja.IsUndefined(rv) && !goja.IsNull(rv) {
			message = rv.String()
		}
	}
	if message == "" && !prevented {
		return "", false
	}
	if message == "" {
		message = defaultUnloadMessage
	}
	return message, true
}

// teardown announces the close to the host and stops the renderer. It may
// run on either goroutine.
func (b *browser) teardown() {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.mu.Unlock()

	b.logger.Debug("Closing browser")
	b.e.post(delivery{id: b.id, client: b.client, n: native.DoClose{}})
	b.e.post(delivery{id: b.id, client: b.client, n: native.BeforeClose{}})
	b.e.forget(b.id)
	b.terminate()
}

// terminate stops the renderer and releases every blocked page call.
func (b *browser) terminate() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		vm := b.vm
		b.mu.Unlock()

		b.cancel()
		close(b.gone)
		if vm != nil {
			vm.Interrupt(errClosed)
		}
		b.loop.StopNoWait()
	})
}
