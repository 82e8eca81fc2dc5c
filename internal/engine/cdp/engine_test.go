// internal/engine/cdp/engine_test.go
package cdp

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Harness --

// recorder is a native.Client that keeps every notification. handle, when
// set, answers them.
type recorder struct {
	mu     sync.Mutex
	notes  []native.Notification
	handle func(n native.Notification) bool
}

func (r *recorder) AfterCreated(native.ID) {}

func (r *recorder) Notify(_ native.ID, n native.Notification) bool {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		return h(n)
	}
	return false
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind())
	}
	return out
}

func notesOf[T native.Notification](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, n := range r.notes {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	e := New(opts)
	t.Cleanup(e.Shutdown)
	return e
}

// attachTab registers a tab bound to a plain context. Commands it issues
// fail fast without a browser.
func attachTab(e *Engine, r *recorder, targetID target.ID) *tab {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	t := newTab(e, id, ctx, cancel, native.CreateRequest{Client: r, Scripting: true}, targetID)
	e.tabs[id] = t
	return t
}

// pumpUntil pumps until cond holds.
func pumpUntil(t *testing.T, e *Engine, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.PumpMessageLoop()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

// -- Tests --

func TestCreateBrowserRequiresClient(t *testing.T) {
	e := newEngine(t, Options{})
	err := e.CreateBrowser(native.CreateRequest{URL: "about:blank"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil client")
}

func TestShutdownStopsPumping(t *testing.T) {
	e := newEngine(t, Options{})
	var scheduled int
	e.SetScheduler(native.SchedulerFunc(func(time.Duration) { scheduled++ }))

	assert.True(t, e.PumpMessageLoop())
	e.Shutdown()
	e.Shutdown()
	assert.False(t, e.PumpMessageLoop())
	assert.False(t, e.spawn(func() {}))
	assert.Zero(t, scheduled)
}

func TestRegisterHTTPHost(t *testing.T) {
	e := newEngine(t, Options{})
	e.RegisterHTTPHost("App.Local", true)
	assert.True(t, e.intercepted("app.local"))
	assert.True(t, e.intercepted("APP.LOCAL"))

	e.RegisterHTTPHost("app.local", false)
	assert.False(t, e.intercepted("app.local"))
}

func TestUnknownBrowser(t *testing.T) {
	e := newEngine(t, Options{})
	assert.False(t, e.EvaluateScript(42, "1", 1))
	assert.False(t, e.ExecuteScript(42, "1"))
	assert.False(t, e.RegisterFunction(42, "f", 0))
	assert.False(t, e.FunctionReturn(42, 0, 1, codec.Null))
	assert.Empty(t, e.GetURL(42))

	var got []bool
	e.GetText(42, native.TextVisitorFunc(func(_ string, ok bool) { got = append(got, ok) }))
	assert.Equal(t, []bool{false}, got)

	e.SetWindowInfo(99, &recorder{}, 0, 0, 0, 10, 10)
}

func TestFrameEvents(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	tb.onEvent(&page.EventFrameStartedLoading{FrameID: "T1"})
	tb.onEvent(&page.EventFrameStartedLoading{FrameID: "child"})
	tb.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "T1", URL: "http://a.test/", URLFragment: "#top"}})
	tb.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "T1", URL: "http://ad.test/"}})
	tb.onEvent(&page.EventNavigatedWithinDocument{FrameID: "T1", URL: "http://a.test/#next"})
	tb.retitle("A")
	tb.retitle("A")

	e.PumpMessageLoop()
	assert.Equal(t, []string{"loading_state_change", "address_change", "address_change", "title_change"}, r.kinds())
	assert.Equal(t, native.LoadingStateChange{Loading: true}, notesOf[native.LoadingStateChange](r)[0])

	addresses := notesOf[native.AddressChange](r)
	assert.Equal(t, "http://a.test/#top", addresses[0].URL)
	assert.True(t, addresses[0].MainFrame)
	assert.Equal(t, "http://a.test/#next", e.GetURL(tb.id))
	assert.Equal(t, []native.TitleChange{{Title: "A"}}, notesOf[native.TitleChange](r))
}

func TestConsoleEvents(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	tb.onEvent(&runtime.EventConsoleAPICalled{
		Type:       runtime.APITypeWarning,
		Args:       []*runtime.RemoteObject{{Type: runtime.TypeString, Value: jsontext.Value(`"careful"`)}},
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{{URL: "http://a.test/app.js", LineNumber: 9}}},
	})
	tb.onEvent(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text:       "Uncaught",
		LineNumber: 2,
		URL:        "http://a.test/boom.js",
		Exception:  &runtime.RemoteObject{Description: "TypeError: boom\n    at x"},
	}})

	e.PumpMessageLoop()
	assert.Equal(t, []native.ConsoleMessage{
		{Level: levelWarning, Message: "careful", Source: "http://a.test/app.js", Line: 10},
		{Level: levelError, Message: "Uncaught TypeError: boom", Source: "http://a.test/boom.js", Line: 3},
	}, notesOf[native.ConsoleMessage](r))
}

func TestDialogEvents(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	tb.onEvent(&page.EventJavascriptDialogOpening{URL: "http://a.test/", Message: "name?", Type: page.DialogTypePrompt, DefaultPrompt: "bob"})
	tb.onEvent(&page.EventJavascriptDialogOpening{Message: "leave?", Type: page.DialogTypeBeforeunload})
	tb.onEvent(&page.EventJavascriptDialogClosed{Result: true})

	e.PumpMessageLoop()
	assert.Equal(t, []string{"js_dialog", "before_unload_dialog", "dialog_closed"}, r.kinds())

	d := notesOf[native.JSDialog](r)[0]
	assert.Equal(t, native.DialogPrompt, d.Type)
	assert.Equal(t, "http://a.test/", d.OriginURL)
	assert.Equal(t, "name?", d.Message)
	assert.Equal(t, "bob", d.DefaultPrompt)
	assert.NotNil(t, d.Callback)
	assert.Equal(t, "leave?", notesOf[native.BeforeUnloadDialog](r)[0].Message)
}

func TestBindingCalls(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	tb.onEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: `{"index":1,"port":4,"args":["x",2]}`})
	tb.onEvent(&runtime.EventBindingCalled{Name: "other", Payload: `{"index":1,"port":5,"args":[]}`})
	tb.onEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: `garbage`})

	e.PumpMessageLoop()
	msgs := notesOf[native.ProcessMessage](r)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Call)
	assert.True(t, msgs[0].FromRenderer)
	assert.Equal(t, 1, msgs[0].Call.Index)
	assert.Equal(t, 4, msgs[0].Call.Port)

	args, err := codec.Decode(msgs[0].Call.Args)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", float64(2)}, args)
}

func TestRequestRouting(t *testing.T) {
	e := newEngine(t, Options{})
	e.RegisterHTTPHost("app.local", true)
	r := &recorder{}
	tb := attachTab(e, r, "T1")
	tb.navigate(navigation{url: "http://site.test/", body: []byte("q=1")})

	tb.onEvent(&fetch.EventRequestPaused{
		RequestID:    "r1",
		FrameID:      "T1",
		ResourceType: network.ResourceTypeDocument,
		Request:      &network.Request{URL: "http://site.test/", Method: "GET"},
	})
	tb.onEvent(&fetch.EventRequestPaused{
		RequestID:    "r2",
		FrameID:      "T1",
		ResourceType: network.ResourceTypeXHR,
		Request: &network.Request{
			URL:             "http://app.local/api",
			Method:          "POST",
			Headers:         network.Headers{"X-Test": "1"},
			PostDataEntries: []*network.PostDataEntry{{Bytes: base64.StdEncoding.EncodeToString([]byte("a=b"))}},
		},
	})
	tb.onEvent(&fetch.EventRequestPaused{
		RequestID:    "r3",
		FrameID:      "T1",
		ResourceType: network.ResourceTypeImage,
		Request:      &network.Request{URL: "http://cdn.test/x.png", Method: "GET"},
	})

	e.PumpMessageLoop()
	assert.Equal(t, []string{"before_browse", "resource_request"}, r.kinds())
	assert.Equal(t, native.BeforeBrowse{URL: "http://site.test/", MainFrame: true}, notesOf[native.BeforeBrowse](r)[0])
	assert.Nil(t, tb.takeOverride(), "the load consumed the post data")

	rr := notesOf[native.ResourceRequest](r)[0]
	assert.Equal(t, "http://app.local/api", rr.URL)
	assert.Equal(t, "POST", rr.Method)
	assert.Equal(t, "1", rr.Header.Get("X-Test"))
	assert.Equal(t, []byte("a=b"), rr.PostData)
	assert.NotNil(t, rr.Responder)
}

func TestAuthChallenge(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	tb.onEvent(&fetch.EventAuthRequired{
		RequestID: "a1",
		Request:   &network.Request{URL: "https://vault.test:8443/secret"},
		AuthChallenge: &fetch.AuthChallenge{
			Source: fetch.AuthChallengeSourceServer,
			Origin: "https://vault.test:8443",
			Scheme: "Basic",
			Realm:  "vault",
		},
	})

	e.PumpMessageLoop()
	creds := notesOf[native.AuthCredentials](r)
	require.Len(t, creds, 1)
	assert.False(t, creds[0].Proxy)
	assert.Equal(t, "vault.test", creds[0].Host)
	assert.Equal(t, 8443, creds[0].Port)
	assert.Equal(t, "basic", creds[0].Scheme)
	assert.Equal(t, "vault", creds[0].Realm)
}

func TestTeardownAnnouncesOnce(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{}
	tb := attachTab(e, r, "T1")

	assert.Same(t, tb, e.tabByTarget("T1"))
	e.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "T1"})
	tb.teardown()
	tb.onEvent(&page.EventFrameStartedLoading{FrameID: "T1"})

	e.PumpMessageLoop()
	assert.Equal(t, []string{"do_close", "before_close"}, r.kinds())
	assert.Nil(t, e.tab(tb.id))
	assert.False(t, e.EvaluateScript(tb.id, "1", 1))
}

func TestPopupCancelled(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{handle: func(n native.Notification) bool {
		_, ok := n.(native.BeforePopup)
		return ok
	}}
	opener := attachTab(e, r, "T1")

	opener.onEvent(&page.EventWindowOpen{
		URL:            "http://pop.test/",
		WindowName:     "w",
		WindowFeatures: []string{"width=300", "height=200"},
		UserGesture:    true,
	})
	e.onBrowserEvent(&target.EventTargetCreated{TargetInfo: &target.Info{
		TargetID: "P1",
		Type:     "page",
		URL:      "http://pop.test/",
		OpenerID: "T1",
	}})

	e.PumpMessageLoop()
	popups := notesOf[native.BeforePopup](r)
	require.Len(t, popups, 1)
	p := popups[0]
	assert.Equal(t, "http://pop.test/", p.URL)
	assert.Equal(t, "w", p.FrameName)
	assert.True(t, p.UserGesture)
	assert.Equal(t, 300, p.Features.Width)
	assert.True(t, p.Features.HeightSet)

	e.mu.Lock()
	assert.Empty(t, e.popups)
	assert.Len(t, e.tabs, 1)
	e.mu.Unlock()
}

func TestTakeWindowOpenDefaults(t *testing.T) {
	e := newEngine(t, Options{})
	tb := attachTab(e, &recorder{}, "T1")

	o := tb.takeWindowOpen("http://x.test/")
	assert.Equal(t, native.ParseFeatures(""), o.features)
	assert.Empty(t, o.name)
}

func TestDownloadDelivery(t *testing.T) {
	e := newEngine(t, Options{})
	e.stagingDir = t.TempDir()
	dest := filepath.Join(t.TempDir(), "nested", "report.csv")
	r := &recorder{handle: func(n native.Notification) bool {
		if d, ok := n.(native.BeforeDownload); ok {
			d.Callback.Continue(dest)
		}
		return false
	}}
	attachTab(e, r, "T1")

	e.onBrowserEvent(&browser.EventDownloadWillBegin{FrameID: "T1", GUID: "g1", URL: "http://a.test/r.csv", SuggestedFilename: "../report.csv"})
	e.PumpMessageLoop()
	assert.Equal(t, "report.csv", notesOf[native.BeforeDownload](r)[0].SuggestedName)

	require.NoError(t, os.WriteFile(filepath.Join(e.stagingDir, "g1"), []byte("a,b"), 0o600))
	e.onBrowserEvent(&browser.EventDownloadProgress{GUID: "g1", State: browser.DownloadProgressStateCompleted})

	pumpUntil(t, e, func() bool { return len(notesOf[native.DownloadUpdated](r)) > 0 })
	assert.Equal(t, native.DownloadUpdated{URL: "http://a.test/r.csv", FullPath: dest, Complete: true}, notesOf[native.DownloadUpdated](r)[0])

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(data))
	_, err = os.Stat(filepath.Join(e.stagingDir, "g1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadCanceledByBrowser(t *testing.T) {
	e := newEngine(t, Options{})
	r := &recorder{handle: func(n native.Notification) bool {
		if d, ok := n.(native.BeforeDownload); ok {
			d.Callback.Continue("/nowhere/x")
		}
		return false
	}}
	attachTab(e, r, "T1")

	e.onBrowserEvent(&browser.EventDownloadWillBegin{FrameID: "T1", GUID: "g2", URL: "http://a.test/x"})
	e.PumpMessageLoop()
	e.onBrowserEvent(&browser.EventDownloadProgress{GUID: "g2", State: browser.DownloadProgressStateCanceled})
	e.PumpMessageLoop()

	assert.Equal(t, []native.DownloadUpdated{{URL: "http://a.test/x", Canceled: true}}, notesOf[native.DownloadUpdated](r))
	assert.Equal(t, "download", notesOf[native.BeforeDownload](r)[0].SuggestedName)
}

func TestMoveFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o600))
	dst := filepath.Join(t.TempDir(), "sub", "b")

	require.NoError(t, moveFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	assert.Error(t, moveFile(src, dst), "the source is gone")
}
