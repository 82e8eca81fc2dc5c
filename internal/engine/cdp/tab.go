// internal/engine/cdp/tab.go
package cdp

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

const aboutBlank = "about:blank"

// navigation is one main frame load request. Post data and headers are
// applied when the request is paused on its way out.
type navigation struct {
	url    string
	body   []byte
	header http.Header
}

// windowOpen is a window.open call waiting for its target to appear.
type windowOpen struct {
	url         string
	name        string
	features    native.PopupFeatures
	userGesture bool
}

// tab is one page target. Ordered commands (navigation, emulation) go
// through a single worker; answers to paused requests and dialogs run on
// their own goroutines so a blocked command cannot starve them.
type tab struct {
	e          *Engine
	id         native.ID
	client     native.Client
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	scripting  bool
	width      int
	height     int
	background uint32
	adopted    bool
	wake       chan struct{}
	stopOnce   sync.Once

	mu       sync.Mutex
	targetID target.ID
	url      string
	title    string
	canBack  bool
	canFwd   bool
	pending  []chromedp.Action
	override *navigation
	opens    []windowOpen
	closing  bool
}

func newTab(e *Engine, id native.ID, ctx context.Context, cancel context.CancelFunc, req native.CreateRequest, targetID target.ID) *tab {
	return &tab{
		e:          e,
		id:         id,
		client:     req.Client,
		logger:     e.logger.With(zap.Int("browser", int(id))),
		ctx:        ctx,
		cancel:     cancel,
		scripting:  req.Scripting,
		width:      req.Width,
		height:     req.Height,
		background: req.Background,
		adopted:    targetID != "",
		wake:       make(chan struct{}, 1),
		targetID:   targetID,
	}
}

// open attaches to the target, prepares it and announces the browser.
// Popups are already loading their document; other tabs navigate to
// initial.
func (t *tab) open(initial string) {
	chromedp.ListenTarget(t.ctx, t.onEvent)
	if err := chromedp.Run(t.ctx, t.setup()); err != nil {
		if t.ctx.Err() == nil {
			t.logger.Error("Failed to open browser", zap.Error(err))
		}
		t.e.forget(t.id)
		_ = t.terminate()
		return
	}

	t.mu.Lock()
	if c := chromedp.FromContext(t.ctx); c != nil && c.Target != nil {
		t.targetID = c.Target.TargetID
	}
	t.mu.Unlock()

	t.e.post(delivery{id: t.id, client: t.client, created: true})
	t.e.spawn(t.work)

	if t.adopted {
		t.do(chromedp.ActionFunc(t.syncHistory))
		return
	}
	if initial == "" {
		initial = aboutBlank
	}
	t.navigate(navigation{url: initial})
}

func (t *tab) setup() chromedp.Tasks {
	tasks := chromedp.Tasks{
		fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}).
			WithHandleAuthRequests(true),
		runtime.AddBinding(bindingName),
	}
	if t.width > 0 && t.height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(int64(t.width), int64(t.height), 1, false))
	}
	if t.background != 0 {
		tasks = append(tasks, emulation.SetDefaultBackgroundColorOverride().WithColor(rgba(t.background)))
	}
	if !t.scripting {
		tasks = append(tasks, emulation.SetScriptExecutionDisabled(true))
	}
	if locale := t.e.opts.Locale; locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(locale))
	}
	if t.e.opts.UserAgentProduct != "" || t.e.opts.Locale != "" {
		tasks = append(tasks, chromedp.ActionFunc(t.overrideUserAgent))
	}
	return tasks
}

// overrideUserAgent appends the configured product to the browser's own
// user agent.
func (t *tab) overrideUserAgent(ctx context.Context) error {
	var ua string
	err := t.e.browserAction(chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, _, _, ua, _, err = browser.GetVersion().Do(ctx)
		return err
	})).Do(ctx)
	if err != nil {
		return err
	}
	if product := t.e.opts.UserAgentProduct; product != "" {
		ua += " " + product
	}
	override := emulation.SetUserAgentOverride(ua)
	if locale := t.e.opts.Locale; locale != "" {
		override = override.WithAcceptLanguage(locale)
	}
	return override.Do(ctx)
}

// -- state --

func (t *tab) target() target.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetID
}

func (t *tab) mainFrame(id cdp.FrameID) bool {
	tid := t.target()
	return tid != "" && string(id) == string(tid)
}

func (t *tab) alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closing
}

func (t *tab) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// post queues n for the host unless the tab is going away.
func (t *tab) post(n native.Notification, reply func(handled bool)) {
	if !t.alive() {
		return
	}
	t.e.post(delivery{id: t.id, client: t.client, n: n, reply: reply})
}

// -- commands --

// do queues action for the ordered worker.
func (t *tab) do(action chromedp.Action) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.pending = append(t.pending, action)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tab) work() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.pending) == 0 {
				t.mu.Unlock()
				break
			}
			action := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()

			if err := chromedp.Run(t.ctx, action); err != nil && t.ctx.Err() == nil {
				t.logger.Debug("Command failed", zap.Error(err))
			}
		}
	}
}

// async runs action on its own goroutine.
func (t *tab) async(action chromedp.Action) bool {
	if !t.alive() {
		return false
	}
	return t.e.spawn(func() {
		if err := chromedp.Run(t.ctx, action); err != nil && t.ctx.Err() == nil {
			t.logger.Debug("Command failed", zap.Error(err))
		}
	})
}

// -- navigation --

func (t *tab) navigate(nav navigation) {
	if len(nav.body) > 0 || len(nav.header) > 0 {
		t.mu.Lock()
		t.override = &nav
		t.mu.Unlock()
	}
	t.do(chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(nav.url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			t.logger.Debug("Navigation did not commit", zap.String("url", nav.url), zap.String("reason", errText))
		}
		return nil
	}))
}

// takeOverride hands out the post data and headers of the last LoadURL
// once.
func (t *tab) takeOverride() *navigation {
	t.mu.Lock()
	defer t.mu.Unlock()
	nav := t.override
	t.override = nil
	return nav
}

func (t *tab) reload() {
	t.do(page.Reload())
}

func (t *tab) stop() {
	t.async(page.StopLoading())
}

func (t *tab) traverse(delta int) {
	t.do(chromedp.ActionFunc(func(ctx context.Context) error {
		current, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		i := int(current) + delta
		if i < 0 || i >= len(entries) {
			return nil
		}
		return page.NavigateToHistoryEntry(entries[i].ID).Do(ctx)
	}))
}

// syncHistory refreshes the cached address and history flags and reports
// the settled loading state.
func (t *tab) syncHistory(ctx context.Context) error {
	current, entries, err := page.GetNavigationHistory().Do(ctx)
	if err != nil {
		return err
	}
	back := current > 0
	forward := int(current) < len(entries)-1

	t.mu.Lock()
	t.canBack, t.canFwd = back, forward
	var address string
	if int(current) >= 0 && int(current) < len(entries) && t.url == "" {
		address = entries[current].URL
		t.url = address
	}
	t.mu.Unlock()

	if address != "" {
		t.post(native.AddressChange{URL: address, MainFrame: true}, nil)
	}
	t.post(native.LoadingStateChange{Loading: false, CanGoBack: back, CanGoForward: forward}, nil)
	return nil
}

func (t *tab) resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	t.do(emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false))
}

func (t *tab) setFocus(focus bool) {
	t.do(chromedp.ActionFunc(func(ctx context.Context) error {
		if err := emulation.SetFocusEmulationEnabled(focus).Do(ctx); err != nil {
			return err
		}
		if !focus {
			return nil
		}
		if err := t.e.browserAction(target.ActivateTarget(t.target())).Do(ctx); err != nil {
			return err
		}
		t.post(native.GotFocus{}, nil)
		return nil
	}))
}

// -- scripts --

func (t *tab) evaluate(script string, requestID uint64) bool {
	return t.async(chromedp.ActionFunc(func(ctx context.Context) error {
		v := t.run(ctx, script)
		t.post(native.ProcessMessage{
			FromRenderer: true,
			Eval:         &native.EvalResult{RequestID: requestID, Value: v},
		}, nil)
		return nil
	}))
}

func (t *tab) execute(script string) bool {
	return t.async(chromedp.ActionFunc(func(ctx context.Context) error {
		if v := t.run(ctx, script); v.Kind == codec.KindError && v.Payload != codec.InvalidReturnValue {
			t.post(native.ConsoleMessage{Level: levelError, Message: "Uncaught " + v.Payload, Source: t.currentURL()}, nil)
		}
		return nil
	}))
}

func (t *tab) run(ctx context.Context, script string) codec.Value {
	if !t.scripting {
		return codec.Value{Kind: codec.KindError, Payload: "scripting is disabled"}
	}
	obj, ex, err := runtime.Evaluate(script).WithReturnByValue(true).WithUserGesture(true).Do(ctx)
	switch {
	case err != nil:
		return codec.Value{Kind: codec.KindError, Payload: err.Error()}
	case ex != nil:
		return codec.Value{Kind: codec.KindError, Payload: exceptionText(ex)}
	default:
		return remoteValue(obj)
	}
}

// source reads the serialized document. The visitor runs on a foreign
// goroutine.
func (t *tab) source(visitor native.TextVisitor) bool {
	return t.async(chromedp.ActionFunc(func(ctx context.Context) error {
		obj, ex, err := runtime.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil || ex != nil {
			visitor.Visit("", false)
			return err
		}
		var html string
		if err := json.Unmarshal(obj.Value, &html); err != nil {
			visitor.Visit("", false)
			return err
		}
		visitor.Visit(html, true)
		return nil
	}))
}

func (t *tab) registerFunction(name string, index int) bool {
	if !t.alive() {
		return false
	}
	shim := functionShim(name, index)
	t.do(chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(shim).Do(ctx); err != nil {
			return err
		}
		_, _, err := runtime.Evaluate(shim).Do(ctx)
		return err
	}))
	return true
}

func (t *tab) bindingCalled(ev *runtime.EventBindingCalled) {
	if ev.Name != bindingName {
		return
	}
	call, err := parseBindingCall(ev.Payload)
	if err != nil {
		t.logger.Debug("Ignoring malformed function call", zap.Error(err))
		return
	}
	n := native.ProcessMessage{
		FromRenderer: true,
		Call:         &native.FunctionCall{Index: call.Index, Port: call.Port, Args: codec.Encode(call.Args)},
	}
	t.post(n, func(handled bool) {
		if !handled {
			t.functionReturn(call.Port, codec.Value{Kind: codec.KindError, Payload: "function is not available"})
		}
	})
}

func (t *tab) functionReturn(port int, result codec.Value) bool {
	script := settleScript(port, result)
	return t.async(chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, err := runtime.Evaluate(script).Do(ctx)
		return err
	}))
}

// -- dialogs --

// dialogAnswer answers the open dialog once.
func (t *tab) dialogAnswer() native.DialogCallback {
	var once sync.Once
	return native.DialogCallbackFunc(func(ok bool, input string) {
		once.Do(func() {
			answer := page.HandleJavaScriptDialog(ok)
			if input != "" {
				answer = answer.WithPromptText(input)
			}
			t.async(answer)
		})
	})
}

func (t *tab) dialogOpening(ev *page.EventJavascriptDialogOpening) {
	answer := t.dialogAnswer()
	if ev.Type == page.DialogTypeBeforeunload {
		n := native.BeforeUnloadDialog{Message: ev.Message, Callback: answer}
		t.post(n, func(handled bool) {
			if !handled {
				answer.Continue(true, "")
			}
		})
		return
	}

	typ := native.DialogAlert
	switch ev.Type {
	case page.DialogTypeConfirm:
		typ = native.DialogConfirm
	case page.DialogTypePrompt:
		typ = native.DialogPrompt
	}
	n := native.JSDialog{
		Type:          typ,
		OriginURL:     ev.URL,
		Message:       ev.Message,
		DefaultPrompt: ev.DefaultPrompt,
		Callback:      answer,
	}
	t.post(n, func(handled bool) {
		if !handled {
			answer.Continue(true, ev.DefaultPrompt)
		}
	})
}

// -- popups --

func (t *tab) windowOpened(ev *page.EventWindowOpen) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens = append(t.opens, windowOpen{
		url:         ev.URL,
		name:        ev.WindowName,
		features:    native.ParseFeatures(strings.Join(ev.WindowFeatures, ",")),
		userGesture: ev.UserGesture,
	})
}

// takeWindowOpen matches a new target to the window.open call that made
// it. Targets opened without one get the default features.
func (t *tab) takeWindowOpen(rawURL string) windowOpen {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.opens {
		if o.url == rawURL || rawURL == "" || rawURL == aboutBlank {
			t.opens = append(t.opens[:i], t.opens[i+1:]...)
			return o
		}
	}
	if len(t.opens) > 0 {
		o := t.opens[0]
		t.opens = t.opens[1:]
		return o
	}
	return windowOpen{url: rawURL, features: native.ParseFeatures("")}
}

// -- events --

// onEvent translates target events. It runs on the chromedp reader and
// must not block or issue commands inline.
func (t *tab) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		t.requestPaused(ev)
	case *fetch.EventAuthRequired:
		t.authRequired(ev)
	case *page.EventFrameNavigated:
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		address := ev.Frame.URL + ev.Frame.URLFragment
		t.mu.Lock()
		t.url = address
		t.mu.Unlock()
		t.post(native.AddressChange{URL: address, MainFrame: true}, nil)
	case *page.EventNavigatedWithinDocument:
		if !t.mainFrame(ev.FrameID) {
			return
		}
		t.mu.Lock()
		t.url = ev.URL
		t.mu.Unlock()
		t.post(native.AddressChange{URL: ev.URL, MainFrame: true}, nil)
	case *page.EventFrameStartedLoading:
		if !t.mainFrame(ev.FrameID) {
			return
		}
		t.mu.Lock()
		back, forward := t.canBack, t.canFwd
		t.mu.Unlock()
		t.post(native.LoadingStateChange{Loading: true, CanGoBack: back, CanGoForward: forward}, nil)
	case *page.EventFrameStoppedLoading:
		if t.mainFrame(ev.FrameID) {
			t.async(chromedp.ActionFunc(t.syncHistory))
		}
	case *page.EventJavascriptDialogOpening:
		t.dialogOpening(ev)
	case *page.EventJavascriptDialogClosed:
		t.post(native.DialogClosed{}, nil)
	case *page.EventWindowOpen:
		t.windowOpened(ev)
	case *runtime.EventConsoleAPICalled:
		n := native.ConsoleMessage{Level: consoleLevel(ev.Type), Message: consoleText(ev.Args), Source: t.currentURL()}
		if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
			frame := ev.StackTrace.CallFrames[0]
			n.Source, n.Line = frame.URL, int(frame.LineNumber)+1
		}
		t.post(n, nil)
	case *runtime.EventExceptionThrown:
		ex := ev.ExceptionDetails
		if ex == nil {
			return
		}
		source := ex.URL
		if source == "" {
			source = t.currentURL()
		}
		t.post(native.ConsoleMessage{
			Level:   levelError,
			Message: "Uncaught " + exceptionText(ex),
			Source:  source,
			Line:    int(ex.LineNumber) + 1,
		}, nil)
	case *runtime.EventBindingCalled:
		t.bindingCalled(ev)
	}
}

// retitle reports a changed document title.
func (t *tab) retitle(title string) {
	t.mu.Lock()
	if title == t.title {
		t.mu.Unlock()
		return
	}
	t.title = title
	t.mu.Unlock()
	t.post(native.TitleChange{Title: title}, nil)
}

// -- closing --

// close asks the page to close, running its beforeunload handler. The tab
// is torn down when the target goes away.
func (t *tab) close(force bool) {
	if !t.alive() {
		return
	}
	if force {
		t.teardown()
		return
	}
	t.async(page.Close())
}

// teardown announces the close to the host and releases the target. It
// may run on any goroutine.
func (t *tab) teardown() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	t.mu.Unlock()

	t.logger.Debug("Closing browser")
	t.e.post(delivery{id: t.id, client: t.client, n: native.DoClose{}})
	t.e.post(delivery{id: t.id, client: t.client, n: native.BeforeClose{}})
	t.e.forget(t.id)
	t.e.spawn(func() { _ = t.terminate() })
}

// terminate cancels the tab context, which closes the target, and waits
// for chromedp to let go of it.
func (t *tab) terminate() error {
	var err error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.pending = nil
		t.mu.Unlock()
		err = chromedp.Cancel(t.ctx)
		t.cancel()
	})
	return err
}
