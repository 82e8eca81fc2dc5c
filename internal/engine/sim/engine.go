// internal/engine/sim/engine.go
package sim

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

// DefaultFetchTimeout bounds network page loads.
const DefaultFetchTimeout = 30 * time.Second

// Options configures the simulated engine.
type Options struct {
	Logger      *zap.Logger
	UserAgent   string
	Locale      string
	DownloadDir string

	// Transport carries network page loads. Nil uses http.DefaultTransport.
	Transport    http.RoundTripper
	FetchTimeout time.Duration
}

// Engine is an in-process browser engine. Every browser runs its page
// scripts on its own goja event loop (the renderer); the results reach the
// host as queued notifications delivered from PumpMessageLoop.
type Engine struct {
	logger *zap.Logger
	opts   Options
	jar    *cookieStore
	client *http.Client

	mu        sync.Mutex
	scheduler native.Scheduler
	queue     []delivery
	browsers  map[native.ID]*browser
	nextID    native.ID
	popups    map[native.PopupSlot]*popupRequest
	nextSlot  native.PopupSlot
	pages     map[string]string
	hosts     map[string]bool
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
	opener *browser
	url    string
	client native.Client
	parent native.WindowHandle
	width  int
	height int
}

var _ native.Engine = (*Engine)(nil)

// New returns an engine ready for SetScheduler and CreateBrowser.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	jar := newCookieStore()
	e := &Engine{
		logger:   opts.Logger.Named("sim"),
		opts:     opts,
		jar:      jar,
		browsers: make(map[native.ID]*browser),
		nextID:   1,
		popups:   make(map[native.PopupSlot]*popupRequest),
		pages:    make(map[string]string),
		hosts:    make(map[string]bool),
	}
	e.client = &http.Client{
		Transport: newDecodingTransport(opts.Transport, opts.UserAgent, opts.Locale),
		Jar:       jar,
		Timeout:   opts.FetchTimeout,
	}
	return e
}

// Serve makes html the document for rawURL. Served pages take precedence
// over the network.
func (e *Engine) Serve(rawURL, html string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pages[rawURL] = html
}

// Browsers reports how many browsers are alive.
func (e *Engine) Browsers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.browsers)
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

func (e *Engine) browser(id native.ID) *browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.browsers[id]
}

func (e *Engine) page(rawURL string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	html, ok := e.pages[rawURL]
	return html, ok
}

func (e *Engine) intercepted(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosts[strings.ToLower(host)]
}

// -- native.Engine --

func (e *Engine) CreateBrowser(req native.CreateRequest) error {
	if req.Client == nil {
		return errors.New("creating browser: nil client")
	}
	_, err := e.create(req, nil)
	return err
}

func (e *Engine) create(req native.CreateRequest, opener *browser) (*browser, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("creating browser: engine is shut down")
	}
	id := e.nextID
	e.nextID++
	b := newBrowser(e, id, req)
	e.browsers[id] = b
	e.mu.Unlock()

	e.logger.Debug("Creating browser", zap.Int("id", int(id)), zap.String("url", req.URL), zap.Bool("popup", opener != nil))
	b.start()
	e.post(delivery{id: id, client: req.Client, created: true})

	target := req.URL
	if target == "" {
		target = aboutBlank
	}
	b.navigate(navigation{url: target, historyIndex: -1})
	return b, nil
}

func (e *Engine) CloseBrowser(id native.ID, force bool) {
	if b := e.browser(id); b != nil {
		b.close(force)
	}
}

func (e *Engine) Reload(id native.ID) {
	if b := e.browser(id); b != nil {
		b.reload()
	}
}

func (e *Engine) Stop(id native.ID) {
	if b := e.browser(id); b != nil {
		b.stop()
	}
}

func (e *Engine) GoBack(id native.ID) {
	if b := e.browser(id); b != nil {
		b.traverse(-1)
	}
}

func (e *Engine) GoForward(id native.ID) {
	if b := e.browser(id); b != nil {
		b.traverse(1)
	}
}

func (e *Engine) Resize(id native.ID, width, height int) {
	if b := e.browser(id); b != nil {
		b.resize(width, height)
	}
}

func (e *Engine) SetFocus(id native.ID, focus bool, _ native.WindowHandle) {
	if b := e.browser(id); b != nil {
		b.setFocused(focus)
	}
}

func (e *Engine) LoadURL(id native.ID, rawURL string, postBody []byte, joinedHeaders string, headerCount int) {
	b := e.browser(id)
	if b == nil {
		return
	}
	nav := navigation{url: rawURL, body: postBody, historyIndex: -1}
	if len(postBody) > 0 {
		nav.method = http.MethodPost
	}
	nav.header = native.ParseHeaders(joinedHeaders, headerCount)
	b.navigate(nav)
}

func (e *Engine) EvaluateScript(id native.ID, script string, requestID uint64) bool {
	b := e.browser(id)
	if b == nil {
		return false
	}
	return b.evaluate(script, requestID)
}

func (e *Engine) ExecuteScript(id native.ID, script string) bool {
	b := e.browser(id)
	if b == nil {
		return false
	}
	return b.execute(script)
}

func (e *Engine) RegisterFunction(id native.ID, name string, index int) bool {
	b := e.browser(id)
	if b == nil || name == "" {
		return false
	}
	return b.registerFunction(name, index)
}

func (e *Engine) FunctionReturn(id native.ID, index, port int, result codec.Value) bool {
	b := e.browser(id)
	if b == nil {
		return false
	}
	return b.functionReturn(port, result)
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
	b := e.browser(id)
	if b == nil {
		visitor.Visit("", false)
		return
	}
	b.source(visitor)
}

func (e *Engine) GetURL(id native.ID) string {
	b := e.browser(id)
	if b == nil {
		return ""
	}
	return b.currentURL()
}

// SetWindowInfo records the responder for a pending popup. The popup is
// created once the BeforePopup handler returns without cancelling.
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

func (e *Engine) VisitCookies(rawURL string, visitor native.CookieVisitor) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, c := range e.jar.Cookies(u) {
		if !visitor.Visit(native.Cookie{Name: c.Name, Value: c.Value}) {
			break
		}
	}
	return true
}

func (e *Engine) SetCookie(rawURL string, c native.Cookie) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || c.Name == "" {
		return false
	}
	e.jar.SetCookies(u, []*http.Cookie{{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		Expires:  c.Expires,
	}})
	return true
}

func (e *Engine) DeleteCookies() {
	e.jar.reset()
}

func (e *Engine) SetScheduler(s native.Scheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

// Shutdown stops every renderer without notifying the host. Pending
// notifications are dropped.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	live := make([]*browser, 0, len(e.browsers))
	for _, b := range e.browsers {
		live = append(live, b)
	}
	e.browsers = make(map[native.ID]*browser)
	e.mu.Unlock()

	for _, b := range live {
		b.terminate()
	}
	e.client.CloseIdleConnections()
	e.logger.Debug("Engine shut down", zap.Int("browsers", len(live)))
}

// -- popups --

func (e *Engine) openPopup(opener *browser, target, name string, features native.PopupFeatures) {
	e.mu.Lock()
	e.nextSlot++
	slot := e.nextSlot
	e.popups[slot] = &popupRequest{opener: opener, url: target}
	e.mu.Unlock()

	n := native.BeforePopup{URL: target, FrameName: name, Features: features, Slot: slot}
	opener.post(n, func(cancel bool) {
		e.mu.Lock()
		p := e.popups[slot]
		delete(e.popups, slot)
		e.mu.Unlock()
		if cancel || p == nil {
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
		if _, err := e.create(req, opener); err != nil {
			e.logger.Warn("Failed to create popup", zap.String("url", p.url), zap.Error(err))
		}
	})
}

// detachedClient takes the engine defaults for windows no host adopted.
type detachedClient struct{}

func (detachedClient) AfterCreated(native.ID) {}

func (detachedClient) Notify(native.ID, native.Notification) bool { return false }

func (e *Engine) forget(id native.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.browsers, id)
}

// -- cookies --

// cookieStore is an http.CookieJar that can be emptied in place, so the
// network client and the host cookie calls share one view.
type cookieStore struct {
	mu  sync.Mutex
	jar *cookiejar.Jar
}

func newCookieStore() *cookieStore {
	s := &cookieStore{}
	s.reset()
	return s
}

func (s *cookieStore) reset() {
	// cookiejar.New only fails on invalid options.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
}

func (s *cookieStore) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()
	jar.SetCookies(u, cookies)
}

func (s *cookieStore) Cookies(u *url.URL) []*http.Cookie {
	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()
	return jar.Cookies(u)
}
