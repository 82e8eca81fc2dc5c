// internal/engine/cdp/engine.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

// Engine drives a Chromium instance over the DevTools protocol. Every
// browser is a page target with its own chromedp context. Protocol events
// are translated into notifications and queued for PumpMessageLoop.
type Engine struct {
	logger *zap.Logger
	opts   Options

	bootOnce    sync.Once
	bootErr     error
	allocCancel context.CancelFunc
	// rootCtx owns the first tab, which carries browser-wide commands.
	rootCtx     context.Context
	stagingDir  string
	wg          sync.WaitGroup

	mu        sync.Mutex
	scheduler native.Scheduler
	queue     []delivery
	tabs      map[native.ID]*tab
	nextID    native.ID
	popups    map[native.PopupSlot]*popupRequest
	nextSlot  native.PopupSlot
	hosts     map[string]bool
	downloads map[string]*download
	closed    bool
}

// delivery is one queued engine-to-host callback. reply receives the
// client's answer on the host goroutine.
type delivery struct {
	id      native.ID
	client  native.Client
	created bool
	n       native.Notification
	reply   func(handled bool)
}

type popupRequest struct {
	opener   *tab
	targetID target.ID
	url      string
	client   native.Client
	parent   native.WindowHandle
	width    int
	height   int
}

var _ native.Engine = (*Engine)(nil)

// New returns an engine. Chromium is launched by the first call that needs
// it.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	return &Engine{
		logger:    opts.Logger.Named("cdp"),
		opts:      opts,
		tabs:      make(map[native.ID]*tab),
		nextID:    1,
		popups:    make(map[native.PopupSlot]*popupRequest),
		hosts:     make(map[string]bool),
		downloads: make(map[string]*download),
	}
}

// boot launches the browser once. Later calls return the first result.
func (e *Engine) boot() error {
	e.bootOnce.Do(func() {
		e.bootErr = e.launch()
		if e.bootErr != nil {
			e.logger.Error("Failed to start browser", zap.Error(e.bootErr))
		}
	})
	return e.bootErr
}

func (e *Engine) launch() error {
	dir, err := os.MkdirTemp("", "browserhost-downloads-")
	if err != nil {
		return fmt.Errorf("creating download staging directory: %w", err)
	}
	e.stagingDir = dir

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(e.opts)...)
	sugar := e.logger.Sugar()
	rootCtx, _ := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)
	chromedp.ListenBrowser(rootCtx, e.onBrowserEvent)

	// The first Run starts the browser; a deadline on it would kill the
	// whole process later, so the launch is bounded from outside.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(rootCtx, e.browserAction(
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
				WithDownloadPath(dir).
				WithEventsEnabled(true),
		))
	}()

	timer := time.NewTimer(e.opts.StartTimeout)
	defer timer.Stop()
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", e.opts.StartTimeout)
	}
	if err != nil {
		allocCancel()
		_ = os.RemoveAll(dir)
		return fmt.Errorf("starting browser: %w", err)
	}

	e.allocCancel = allocCancel
	e.rootCtx = rootCtx
	e.logger.Info("Browser started", zap.String("exec_path", e.opts.ExecPath), zap.Bool("headless", e.opts.Headless))
	return nil
}

// browserAction runs action against the browser session instead of the
// page target.
func (e *Engine) browserAction(action chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		if c == nil || c.Browser == nil {
			return errors.New("no browser in context")
		}
		return action.Do(cdp.WithExecutor(ctx, c.Browser))
	})
}

// spawn runs fn on a tracked goroutine unless the engine is shut down.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// post queues a notification and asks the host for a pump cycle. It may be
// called from any goroutine.
func (e *Engine) post(d delivery) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, d)
	sched := e.scheduler
	e.mu.Unlock()
	if sched != nil {
		sched.ScheduleWork(0)
	}
}

func (e *Engine) tab(id native.ID) *tab {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tabs[id]
}

func (e *Engine) tabByTarget(id target.ID) *tab {
	if id == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tabs {
		if t.target() == id {
			return t
		}
	}
	return nil
}

func (e *Engine) forget(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tabs, id)
}

func (e *Engine) intercepted(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosts[strings.ToLower(host)]
}

// -- native.Engine --

// CreateBrowser launches Chromium on first use, then opens the tab in the
// background.
func (e *Engine) CreateBrowser(req native.CreateRequest) error {
	if req.Client == nil {
		return errors.New("creating browser: nil client")
	}
	if err := e.boot(); err != nil {
		return err
	}
	t, err := e.register(req, "")
	if err != nil {
		return err
	}
	e.logger.Debug("Creating browser", zap.Int("id", int(t.id)), zap.String("url", req.URL))
	e.spawn(func() { t.open(req.URL) })
	return nil
}

// register allocates an id and a chromedp context for a tab. A non-empty
// targetID attaches to an existing target.
func (e *Engine) register(req native.CreateRequest, targetID target.ID) (*tab, error) {
	var opts []chromedp.ContextOption
	if targetID != "" {
		opts = append(opts, chromedp.WithTargetID(targetID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("creating browser: engine is shut down")
	}
	ctx, cancel := chromedp.NewContext(e.rootCtx, opts...)
	id := e.nextID
	e.nextID++
	t := newTab(e, id, ctx, cancel, req, targetID)
	e.tabs[id] = t
	return t, nil
}

func (e *Engine) CloseBrowser(id native.ID, force bool) {
	if t := e.tab(id); t != nil {
		t.close(force)
	}
}

func (e *Engine) Reload(id native.ID) {
	if t := e.tab(id); t != nil {
		t.reload()
	}
}

func (e *Engine) Stop(id native.ID) {
	if t := e.tab(id); t != nil {
		t.stop()
	}
}

func (e *Engine) GoBack(id native.ID) {
	if t := e.tab(id); t != nil {
		t.traverse(-1)
	}
}

func (e *Engine) GoForward(id native.ID) {
	if t := e.tab(id); t != nil {
		t.traverse(1)
	}
}

func (e *Engine) Resize(id native.ID, width, height int) {
	if t := e.tab(id); t != nil {
		t.resize(width, height)
	}
}

func (e *Engine) SetFocus(id native.ID, focus bool, _ native.WindowHandle) {
	if t := e.tab(id); t != nil {
		t.setFocus(focus)
	}
}

func (e *Engine) LoadURL(id native.ID, rawURL string, postBody []byte, joinedHeaders string, headerCount int) {
	t := e.tab(id)
	if t == nil {
		return
	}
	t.navigate(navigation{
		url:    rawURL,
		body:   postBody,
		header: native.ParseHeaders(joinedHeaders, headerCount),
	})
}

func (e *Engine) EvaluateScript(id native.ID, script string, requestID uint64) bool {
	t := e.tab(id)
	if t == nil {
		return false
	}
	return t.evaluate(script, requestID)
}

func (e *Engine) ExecuteScript(id native.ID, script string) bool {
	t := e.tab(id)
	if t == nil {
		return false
	}
	return t.execute(script)
}

func (e *Engine) RegisterFunction(id native.ID, name string, index int) bool {
	t := e.tab(id)
	if t == nil || name == "" {
		return false
	}
	return t.registerFunction(name, index)
}

func (e *Engine) FunctionReturn(id native.ID, _, port int, result codec.Value) bool {
	t := e.tab(id)
	if t == nil {
		return false
	}
	return t.functionReturn(port, result)
}

// PumpMessageLoop delivers every notification queued before the call.
// Notifications queued by the handlers wait for the next cycle.
func (e *Engine) PumpMessageLoop() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, d := range batch {
		if d.created {
			d.client.AfterCreated(d.id)
			continue
		}
		handled := d.client.Notify(d.id, d.n)
		if d.reply != nil {
			d.reply(handled)
		}
	}
	return true
}

func (e *Engine) GetText(id native.ID, visitor native.TextVisitor) {
	t := e.tab(id)
	if t == nil || !t.source(visitor) {
		visitor.Visit("", false)
	}
}

func (e *Engine) GetURL(id native.ID) string {
	t := e.tab(id)
	if t == nil {
		return ""
	}
	return t.currentURL()
}

// SetWindowInfo records the responder for a pending popup. The popup is
// attached once the BeforePopup handler returns without cancelling.
func (e *Engine) SetWindowInfo(slot native.PopupSlot, client native.Client, parent native.WindowHandle, _, _, width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.popups[slot]
	if !ok {
		e.logger.Warn("Window info for unknown popup slot", zap.Int("slot", int(slot)))
		return
	}
	p.client, p.parent, p.width, p.height = client, parent, width, height
}

func (e *Engine) RegisterHTTPHost(host string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	host = strings.ToLower(host)
	if enabled {
		e.hosts[host] = true
	} else {
		delete(e.hosts, host)
	}
}

// VisitCookies reads the browser cookie store in the background. The
// visitor is called from a foreign goroutine.
func (e *Engine) VisitCookies(rawURL string, visitor native.CookieVisitor) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || e.boot() != nil {
		return false
	}
	return e.spawn(func() {
		var cookies []*network.Cookie
		err := chromedp.Run(e.rootCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
			return err
		}))
		if err != nil {
			e.logger.Warn("Failed to read cookies", zap.String("url", rawURL), zap.Error(err))
			return
		}
		for _, c := range cookies {
			if !visitor.Visit(nativeCookie(c)) {
				return
			}
		}
	})
}

func (e *Engine) SetCookie(rawURL string, c native.Cookie) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || c.Name == "" || e.boot() != nil {
		return false
	}
	set := network.SetCookie(c.Name, c.Value).
		WithURL(rawURL).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HTTPOnly)
	if c.Domain != "" {
		set = set.WithDomain(c.Domain)
	}
	if c.Path != "" {
		set = set.WithPath(c.Path)
	}
	if !c.Expires.IsZero() {
		expires := cdp.TimeSinceEpoch(c.Expires)
		set = set.WithExpires(&expires)
	}
	return e.spawn(func() {
		if err := chromedp.Run(e.rootCtx, set); err != nil {
			e.logger.Warn("Failed to set cookie", zap.String("url", rawURL), zap.String("name", c.Name), zap.Error(err))
		}
	})
}

func (e *Engine) DeleteCookies() {
	if e.boot() != nil {
		return
	}
	e.spawn(func() {
		if err := chromedp.Run(e.rootCtx, network.ClearBrowserCookies()); err != nil {
			e.logger.Warn("Failed to clear cookies", zap.Error(err))
		}
	})
}

func nativeCookie(c *network.Cookie) native.Cookie {
	out := native.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		out.Expires = time.Unix(int64(c.Expires), 0)
	}
	return out
}

func (e *Engine) SetScheduler(s native.Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

// Shutdown closes every tab without notifying the host, then the browser.
// Pending notifications are dropped.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	live := make([]*tab, 0, len(e.tabs))
	for _, t := range e.tabs {
		live = append(live, t)
	}
	e.tabs = make(map[native.ID]*tab)
	e.mu.Unlock()

	var g errgroup.Group
	for _, t := range live {
		g.Go(t.terminate)
	}
	if err := g.Wait(); err != nil {
		e.logger.Debug("Tab did not close cleanly", zap.Error(err))
	}

	if e.rootCtx != nil {
		if err := chromedp.Cancel(e.rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Browser did not close cleanly", zap.Error(err))
		}
		e.allocCancel()
	}
	e.wg.Wait()
	if e.stagingDir != "" {
		_ = os.RemoveAll(e.stagingDir)
	}
	e.logger.Debug("Engine shut down", zap.Int("browsers", len(live)))
}

// -- browser events --

func (e *Engine) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		info := ev.TargetInfo
		if info == nil || info.Type != "page" || info.OpenerID == "" {
			return
		}
		if opener := e.tabByTarget(info.OpenerID); opener != nil {
			e.openPopup(opener, info)
		}
	case *target.EventTargetInfoChanged:
		if ev.TargetInfo == nil {
			return
		}
		if t := e.tabByTarget(ev.TargetInfo.TargetID); t != nil {
			t.retitle(ev.TargetInfo.Title)
		}
	case *target.EventTargetDestroyed:
		if t := e.tabByTarget(ev.TargetID); t != nil {
			t.teardown()
		}
	case *browser.EventDownloadWillBegin:
		e.downloadWillBegin(ev)
	case *browser.EventDownloadProgress:
		e.downloadProgress(ev)
	}
}

// -- popups --

func (e *Engine) openPopup(opener *tab, info *target.Info) {
	open := opener.takeWindowOpen(info.URL)

	e.mu.Lock()
	e.nextSlot++
	slot := e.nextSlot
	e.popups[slot] = &popupRequest{opener: opener, targetID: info.TargetID, url: info.URL}
	e.mu.Unlock()

	n := native.BeforePopup{
		URL:         info.URL,
		FrameName:   open.name,
		UserGesture: open.userGesture,
		Features:    open.features,
		Slot:        slot,
	}
	opener.post(n, func(cancel bool) {
		e.mu.Lock()
		p := e.popups[slot]
		delete(e.popups, slot)
		e.mu.Unlock()
		if p == nil {
			return
		}
		if cancel {
			e.closeTarget(p.targetID)
			return
		}
		client := p.client
		if client == nil {
			// Nobody hosts the window; it lives unseen until shutdown.
			client = detachedClient{}
		}
		req := native.CreateRequest{
			Parent:    p.parent,
			URL:       p.url,
			Client:    client,
			Width:     p.width,
			Height:    p.height,
			Scripting: opener.scripting,
		}
		t, err := e.register(req, p.targetID)
		if err != nil {
			e.logger.Warn("Failed to adopt popup", zap.String("url", p.url), zap.Error(err))
			return
		}
		e.spawn(func() { t.open("") })
	})
}

func (e *Engine) closeTarget(id target.ID) {
	if e.rootCtx == nil {
		return
	}
	e.spawn(func() {
		if err := chromedp.Run(e.rootCtx, e.browserAction(target.CloseTarget(id))); err != nil {
			e.logger.Debug("Failed to close target", zap.String("target", string(id)), zap.Error(err))
		}
	})
}

// detachedClient takes the engine defaults for windows no host adopted.
type detachedClient struct{}

func (detachedClient) AfterCreated(native.ID) {}

func (detachedClient) Notify(native.ID, native.Notification) bool { return false }
