// internal/native/nativetest/engine.go
package nativetest

import (
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

// Call is one recorded engine call.
type Call struct {
	Method string
	ID     native.ID
	Args   []any
}

// WindowInfo is a recorded SetWindowInfo call.
type WindowInfo struct {
	Slot   native.PopupSlot
	Client native.Client
	Parent native.WindowHandle
	X, Y   int
	Width  int
	Height int
}

type delivery struct {
	id      native.ID
	client  native.Client
	created bool
	n       native.Notification
}

// Engine is a scripted native.Engine for tests. Like a real engine it only
// delivers notifications from inside PumpMessageLoop; tests queue them with
// Emit and drive delivery by pumping the host loop.
type Engine struct {
	mu sync.Mutex

	nextID    native.ID
	nextSlot  native.PopupSlot
	clients   map[native.ID]native.Client
	urls      map[native.ID]string
	queue     []delivery
	calls     []Call
	windows   []WindowInfo
	texts     []pendingText
	cookies   []native.Cookie
	hosts     map[string]bool
	scheduler native.Scheduler
	pumps     int

	// FailPump makes PumpMessageLoop report failure.
	FailPump bool
	// RejectEvaluate makes EvaluateScript refuse every script.
	RejectEvaluate bool
	// RejectRegister makes RegisterFunction refuse every function.
	RejectRegister bool
	// Evaluator, when set, answers every accepted EvaluateScript by queueing
	// its result.
	Evaluator func(script string) codec.Value
	// CloseImmediately queues BeforeClose on every CloseBrowser.
	CloseImmediately bool
}

type pendingText struct {
	id      native.ID
	visitor native.TextVisitor
}

// New creates an engine whose first browser gets id 1.
func New() *Engine {
	return &Engine{
		nextID:  1,
		clients: make(map[native.ID]native.Client),
		urls:    make(map[native.ID]string),
		hosts:   make(map[string]bool),
	}
}

func (e *Engine) record(method string, id native.ID, args ...any) {
	e.calls = append(e.calls, Call{Method: method, ID: id, Args: args})
}

// Calls returns the recorded calls to method, or all calls for "".
func (e *Engine) Calls(method string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WindowInfos returns the recorded SetWindowInfo calls.
func (e *Engine) WindowInfos() []WindowInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]WindowInfo(nil), e.windows...)
}

// Pumps reports how many times PumpMessageLoop ran.
func (e *Engine) Pumps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pumps
}

// Client returns the client a browser reports to.
func (e *Engine) Client(id native.ID) native.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[id]
}

// SetURL sets what GetURL reports for id.
func (e *Engine) SetURL(id native.ID, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls[id] = url
}

// Emit queues n for delivery to id at the next pump.
func (e *Engine) Emit(id native.ID, n native.Notification) {
	e.mu.Lock()
	e.queue = append(e.queue, delivery{id: id, client: e.clients[id], n: n})
	sched := e.scheduler
	e.mu.Unlock()
	if sched != nil {
		sched.ScheduleWork(0)
	}
}

// Deliver sends n to id synchronously and returns the client's answer. Use
// it from inside a host loop task to act as the engine mid-pump.
func (e *Engine) Deliver(id native.ID, n native.Notification) bool {
	c := e.Client(id)
	if c == nil {
		return false
	}
	return c.Notify(id, n)
}

// Queued reports how many notifications wait for a pump.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// RequestWork calls the installed scheduler as an engine thread would.
func (e *Engine) RequestWork(delay time.Duration) {
	e.mu.Lock()
	sched := e.scheduler
	e.mu.Unlock()
	if sched != nil {
		sched.ScheduleWork(delay)
	}
}

// PendingTextRequests reports how many GetText calls await DeliverText.
func (e *Engine) PendingTextRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

// DeliverText answers the oldest outstanding GetText synchronously.
func (e *Engine) DeliverText(text string) bool {
	e.mu.Lock()
	if len(e.texts) == 0 {
		e.mu.Unlock()
		return false
	}
	p := e.texts[0]
	e.texts = e.texts[1:]
	e.mu.Unlock()
	p.visitor.Visit(text, true)
	return true
}

// CompletePopup creates the browser for a popup answered through
// SetWindowInfo and queues its AfterCreated. It returns the new id.
func (e *Engine) CompletePopup(slot native.PopupSlot, url string) native.ID {
	e.mu.Lock()
	var client native.Client
	for _, w := range e.windows {
		if w.Slot == slot {
			client = w.Client
		}
	}
	id := e.nextID
	e.nextID++
	e.clients[id] = client
	e.urls[id] = url
	e.queue = append(e.queue, delivery{id: id, client: client, created: true})
	e.mu.Unlock()
	return id
}

// NextSlot returns a fresh popup slot for a BeforePopup notification.
func (e *Engine) NextSlot() native.PopupSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSlot++
	return e.nextSlot
}

// HostEnabled reports the last RegisterHTTPHost state for host.
func (e *Engine) HostEnabled(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosts[host]
}

// -- native.Engine --

func (e *Engine) CreateBrowser(req native.CreateRequest) error {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.clients[id] = req.Client
	e.urls[id] = req.URL
	e.record("CreateBrowser", id, req)
	e.queue = append(e.queue, delivery{id: id, client: req.Client, created: true})
	sched := e.scheduler
	e.mu.Unlock()
	if sched != nil {
		sched.ScheduleWork(0)
	}
	return nil
}

func (e *Engine) CloseBrowser(id native.ID, force bool) {
	e.mu.Lock()
	e.record("CloseBrowser", id, force)
	auto := e.CloseImmediately
	e.mu.Unlock()
	if auto {
		e.Emit(id, native.BeforeClose{})
	}
}

func (e *Engine) Reload(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Reload", id)
}

func (e *Engine) Stop(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Stop", id)
}

func (e *Engine) GoBack(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("GoBack", id)
}

func (e *Engine) GoForward(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("GoForward", id)
}

func (e *Engine) Resize(id native.ID, width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Resize", id, width, height)
}

func (e *Engine) SetFocus(id native.ID, focus bool, parent native.WindowHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetFocus", id, focus, parent)
}

func (e *Engine) LoadURL(id native.ID, url string, postBody []byte, joinedHeaders string, headerCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls[id] = url
	e.record("LoadURL", id, url, postBody, joinedHeaders, headerCount)
}

func (e *Engine) EvaluateScript(id native.ID, script string, requestID uint64) bool {
	e.mu.Lock()
	e.record("EvaluateScript", id, script, requestID)
	if e.RejectEvaluate {
		e.mu.Unlock()
		return false
	}
	eval := e.Evaluator
	e.mu.Unlock()
	if eval != nil {
		e.Emit(id, native.ProcessMessage{
			FromRenderer: true,
			Eval:         &native.EvalResult{RequestID: requestID, Value: eval(script)},
		})
	}
	return true
}

func (e *Engine) ExecuteScript(id native.ID, script string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ExecuteScript", id, script)
	return true
}

func (e *Engine) RegisterFunction(id native.ID, name string, index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RegisterFunction", id, name, index)
	return !e.RejectRegister
}

func (e *Engine) FunctionReturn(id native.ID, index, port int, result codec.Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("FunctionReturn", id, index, port, result)
	return true
}

func (e *Engine) PumpMessageLoop() bool {
	e.mu.Lock()
	e.pumps++
	fail := e.FailPump
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		d := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if d.client == nil {
			continue
		}
		if d.created {
			d.client.AfterCreated(d.id)
			continue
		}
		d.client.Notify(d.id, d.n)
	}
	return !fail
}

func (e *Engine) GetText(id native.ID, visitor native.TextVisitor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("GetText", id)
	e.texts = append(e.texts, pendingText{id: id, visitor: visitor})
}

func (e *Engine) GetURL(id native.ID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urls[id]
}

func (e *Engine) SetWindowInfo(slot native.PopupSlot, client native.Client, parent native.WindowHandle, x, y, width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetWindowInfo", 0, slot)
	e.windows = append(e.windows, WindowInfo{
		Slot: slot, Client: client, Parent: parent,
		X: x, Y: y, Width: width, Height: height,
	})
}

func (e *Engine) RegisterHTTPHost(host string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("RegisterHTTPHost", 0, host, enabled)
	e.hosts[host] = enabled
}

func (e *Engine) VisitCookies(url string, visitor native.CookieVisitor) bool {
	e.mu.Lock()
	e.record("VisitCookies", 0, url)
	cookies := append([]native.Cookie(nil), e.cookies...)
	e.mu.Unlock()
	for _, c := range cookies {
		if !visitor.Visit(c) {
			break
		}
	}
	return true
}

func (e *Engine) SetCookie(url string, cookie native.Cookie) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetCookie", 0, url, cookie)
	kept := e.cookies[:0]
	for _, c := range e.cookies {
		if !strings.EqualFold(c.Name, cookie.Name) {
			kept = append(kept, c)
		}
	}
	e.cookies = append(kept, cookie)
	return true
}

func (e *Engine) DeleteCookies() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("DeleteCookies", 0)
	e.cookies = nil
}

func (e *Engine) SetScheduler(s native.Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("Shutdown", 0)
}

var _ native.Engine = (*Engine)(nil)
