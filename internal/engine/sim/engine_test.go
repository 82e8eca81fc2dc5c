// internal/engine/sim/engine_test.go
package sim

import (
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/native"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Harness --

type note struct {
	id native.ID
	n  native.Notification
}

// recorder is a native.Client that keeps every callback. handle, when set,
// answers notifications.
type recorder struct {
	mu      sync.Mutex
	created []native.ID
	notes   []note
	handle  func(id native.ID, n native.Notification) bool
}

func (r *recorder) AfterCreated(id native.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, id)
}

func (r *recorder) Notify(id native.ID, n native.Notification) bool {
	r.mu.Lock()
	r.notes = append(r.notes, note{id, n})
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		return h(id, n)
	}
	return false
}

func (r *recorder) kinds(id native.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, nt := range r.notes {
		if nt.id == id {
			out = append(out, nt.n.Kind())
		}
	}
	return out
}

func notesOf[T native.Notification](r *recorder, id native.ID) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, nt := range r.notes {
		if v, ok := nt.n.(T); ok && nt.id == id {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	e      *Engine
	r      *recorder
	nextID uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	transport := &http.Transport{}
	e := New(Options{
		Logger:    zap.NewNop(),
		UserAgent: "BrowserHost/test",
		Locale:    "en-US",
		Transport: transport,
	})
	t.Cleanup(func() {
		e.Shutdown()
		transport.CloseIdleConnections()
	})
	return &harness{t: t, e: e, r: &recorder{}}
}

// pumpUntil plays the host loop until cond holds.
func (h *harness) pumpUntil(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(h.t, time.Now().Before(deadline), "condition not reached while pumping")
		h.e.PumpMessageLoop()
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) loads(id native.ID) int {
	n := 0
	for _, s := range notesOf[native.LoadingStateChange](h.r, id) {
		if !s.Loading {
			n++
		}
	}
	return n
}

// open creates a browser at url and waits for its first load to finish.
func (h *harness) open(url string) native.ID {
	h.t.Helper()
	require.NoError(h.t, h.e.CreateBrowser(native.CreateRequest{URL: url, Client: h.r, Scripting: true, Width: 800, Height: 600}))
	h.pumpUntil(func() bool {
		h.r.mu.Lock()
		defer h.r.mu.Unlock()
		return len(h.r.created) > 0
	})
	h.r.mu.Lock()
	id := h.r.created[len(h.r.created)-1]
	h.r.mu.Unlock()
	h.pumpUntil(func() bool { return h.loads(id) > 0 })
	return id
}

// navigate loads url and waits for the load to settle.
func (h *harness) navigate(id native.ID, url string) {
	h.t.Helper()
	before := h.loads(id)
	h.e.LoadURL(id, url, nil, "", 0)
	h.pumpUntil(func() bool { return h.loads(id) > before })
}

func (h *harness) evaluate(id native.ID, script string) codec.Value {
	h.t.Helper()
	h.nextID++
	reqID := h.nextID
	require.True(h.t, h.e.EvaluateScript(id, script, reqID))
	var result *codec.Value
	h.pumpUntil(func() bool {
		for _, pm := range notesOf[native.ProcessMessage](h.r, id) {
			if pm.Eval != nil && pm.Eval.RequestID == reqID {
				result = &pm.Eval.Value
				return true
			}
		}
		return false
	})
	return *result
}

func str(s string) codec.Value { return codec.Value{Kind: codec.KindString, Payload: s} }

const homePage = `<html><head><title>Home</title></head><body><p>hello</p></body></html>`

// -- Test Cases --

func TestCreateLoadsInitialPage(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", homePage)
	id := h.open("http://site.test/")

	assert.Equal(t, []string{
		"before_browse", "loading_state_change", "address_change", "title_change", "loading_state_change",
	}, h.r.kinds(id))
	assert.Equal(t, []native.TitleChange{{Title: "Home"}}, notesOf[native.TitleChange](h.r, id))
	assert.Equal(t, "http://site.test/", h.e.GetURL(id))
	assert.Equal(t, 1, h.e.Browsers())

	text := make(chan string, 1)
	h.e.GetText(id, native.TextVisitorFunc(func(s string, ok bool) {
		assert.True(t, ok)
		text <- s
	}))
	select {
	case got := <-text:
		assert.Equal(t, homePage, got)
	case <-time.After(2 * time.Second):
		t.Fatal("text was never delivered")
	}
}

func TestBlankPageTitleIsURL(t *testing.T) {
	h := newHarness(t)
	id := h.open("")
	assert.Equal(t, aboutBlank, h.e.GetURL(id))
	assert.Equal(t, []native.TitleChange{{Title: aboutBlank}}, notesOf[native.TitleChange](h.r, id))
}

func TestVetoedNavigationStopsLoading(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", homePage)
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		bb, ok := n.(native.BeforeBrowse)
		return ok && bb.URL == "http://blocked.test/"
	}
	id := h.open("http://site.test/")
	h.navigate(id, "http://blocked.test/")

	assert.Equal(t, "http://site.test/", h.e.GetURL(id))
	assert.Len(t, notesOf[native.AddressChange](h.r, id), 1)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://a.test/", "<title>A</title>")
	h.e.Serve("http://b.test/", "<title>B</title>")
	id := h.open("http://a.test/")
	h.navigate(id, "http://b.test/")

	states := notesOf[native.LoadingStateChange](h.r, id)
	last := states[len(states)-1]
	assert.True(t, last.CanGoBack)
	assert.False(t, last.CanGoForward)

	before := h.loads(id)
	h.e.GoBack(id)
	h.pumpUntil(func() bool { return h.loads(id) > before })
	assert.Equal(t, "http://a.test/", h.e.GetURL(id))
	states = notesOf[native.LoadingStateChange](h.r, id)
	last = states[len(states)-1]
	assert.False(t, last.CanGoBack)
	assert.True(t, last.CanGoForward)

	assert.Equal(t, float64(2), mustDecode(t, h.evaluate(id, "history.length")))
}

func TestEvaluate(t *testing.T) {
	h := newHarness(t)
	id := h.open("")

	assert.Equal(t, codec.Value{Kind: codec.KindDouble, Payload: "3"}, h.evaluate(id, "1 + 2"))
	assert.Equal(t, str("hi"), h.evaluate(id, "(function() {\nreturn 'hi';\n})()"))
	assert.Equal(t, codec.Null, h.evaluate(id, "undefined"))
	assert.Equal(t, codec.Value{Kind: codec.KindError, Payload: codec.InvalidReturnValue}, h.evaluate(id, "({a: 1})"))

	failed := h.evaluate(id, "throw new Error('boom')")
	assert.Equal(t, codec.KindError, failed.Kind)
	assert.Contains(t, failed.Payload, "boom")

	arr, err := codec.Decode(h.evaluate(id, "[1, 'two', true, null]"))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "two", true, nil}, arr)
}

func TestExposedFunctions(t *testing.T) {
	h := newHarness(t)
	h.r.handle = func(id native.ID, n native.Notification) bool {
		pm, ok := n.(native.ProcessMessage)
		if !ok || pm.Call == nil {
			return false
		}
		args, err := codec.Decode(pm.Call.Args)
		require.NoError(t, err)
		var result codec.Value
		switch pm.Call.Index {
		case 1:
			list := args.([]any)
			result = codec.Encode(list[0].(float64) + list[1].(float64))
		default:
			result = codec.Value{Kind: codec.KindError, Payload: "nope"}
		}
		return h.e.FunctionReturn(id, pm.Call.Index, pm.Call.Port, result)
	}
	id := h.open("")
	require.True(t, h.e.RegisterFunction(id, "add", 1))
	require.True(t, h.e.RegisterFunction(id, "fail", 2))

	assert.Equal(t, codec.Value{Kind: codec.KindDouble, Payload: "6"}, h.evaluate(id, "add(2, 3) + 1"))
	assert.Equal(t, str("caught: nope"), h.evaluate(id, "try { fail(); 'no' } catch (e) { 'caught: ' + e.message }"))

	h.e.Serve("http://next.test/", "<title>Next</title>")
	h.navigate(id, "http://next.test/")
	assert.Equal(t, str("function"), h.evaluate(id, "typeof add"), "functions survive navigation")
}

func TestDialogs(t *testing.T) {
	h := newHarness(t)
	var shown []native.JSDialog
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		d, ok := n.(native.JSDialog)
		if !ok || d.Type == native.DialogPrompt {
			return false
		}
		shown = append(shown, d)
		d.Callback.Continue(false, "")
		return true
	}
	id := h.open("")

	assert.Equal(t, str("no"), h.evaluate(id, "confirm('sure?') ? 'yes' : 'no'"))
	require.Len(t, shown, 1)
	assert.Equal(t, "sure?", shown[0].Message)
	assert.Equal(t, aboutBlank, shown[0].OriginURL)

	assert.Equal(t, str("anon"), h.evaluate(id, "prompt('name?', 'anon')"), "unhandled dialogs are accepted")
	h.pumpUntil(func() bool { return len(notesOf[native.DialogClosed](h.r, id)) == 2 })
}

func TestConsoleAndStatus(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", `<title>x</title><script>console.warn("careful", 3); window.status = "busy"; missing();</script>`)
	id := h.open("http://site.test/")
	h.pumpUntil(func() bool { return len(notesOf[native.ConsoleMessage](h.r, id)) == 2 })

	msgs := notesOf[native.ConsoleMessage](h.r, id)
	assert.Equal(t, native.ConsoleMessage{Level: levelWarning, Message: "careful 3", Source: "http://site.test/"}, msgs[0])
	assert.Equal(t, levelError, msgs[1].Level)
	assert.Contains(t, msgs[1].Message, "Uncaught ReferenceError")
	assert.Equal(t, []native.StatusMessage{{Text: "busy"}}, notesOf[native.StatusMessage](h.r, id))
}

func TestCloseRunsBeforeUnload(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", `<script>window.onbeforeunload = function () { return "stay"; };</script>`)

	answer := false
	var prompts []string
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		d, ok := n.(native.BeforeUnloadDialog)
		if !ok {
			return false
		}
		prompts = append(prompts, d.Message)
		d.Callback.Continue(answer, "")
		return true
	}
	id := h.open("http://site.test/")

	h.e.CloseBrowser(id, false)
	h.pumpUntil(func() bool { return len(notesOf[native.DialogClosed](h.r, id)) == 1 })
	assert.Equal(t, []string{"stay"}, prompts)
	assert.Empty(t, notesOf[native.BeforeClose](h.r, id), "a refused prompt keeps the page open")
	assert.Equal(t, 1, h.e.Browsers())

	answer = true
	h.e.CloseBrowser(id, false)
	h.pumpUntil(func() bool { return len(notesOf[native.BeforeClose](h.r, id)) == 1 })
	assert.Equal(t, []string{"stay", "stay"}, prompts)
	kinds := h.r.kinds(id)
	assert.Equal(t, []string{"dialog_closed", "do_close", "before_close"}, kinds[len(kinds)-3:])
	assert.Zero(t, h.e.Browsers())
}

func TestForceCloseSkipsUnload(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", `<script>window.onbeforeunload = function (e) { e.preventDefault(); };</script>`)
	id := h.open("http://site.test/")

	h.e.CloseBrowser(id, true)
	h.pumpUntil(func() bool { return len(notesOf[native.BeforeClose](h.r, id)) == 1 })
	assert.Empty(t, notesOf[native.BeforeUnloadDialog](h.r, id))
	assert.False(t, h.e.EvaluateScript(id, "1", 99))
}

func TestScriptCloseAndFocus(t *testing.T) {
	h := newHarness(t)
	first := true
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		if _, ok := n.(native.SetFocusRequest); ok && first {
			first = false
			return true
		}
		return false
	}
	id := h.open("")

	require.True(t, h.e.ExecuteScript(id, "window.focus(); window.focus(); window.blur()"))
	h.pumpUntil(func() bool { return len(notesOf[native.TakeFocus](h.r, id)) == 1 })
	h.pumpUntil(func() bool { return len(notesOf[native.GotFocus](h.r, id)) == 1 })
	assert.Len(t, notesOf[native.SetFocusRequest](h.r, id), 2)

	require.True(t, h.e.ExecuteScript(id, "window.close()"))
	h.pumpUntil(func() bool { return len(notesOf[native.BeforeClose](h.r, id)) == 1 })
	assert.Zero(t, h.e.Browsers())
}

func TestWindowOpen(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://popup.test/", "<title>Popup</title>")
	popup := &recorder{}
	var requests []native.BeforePopup
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		bp, ok := n.(native.BeforePopup)
		if !ok {
			return false
		}
		requests = append(requests, bp)
		if bp.FrameName == "blocked" {
			return true
		}
		h.e.SetWindowInfo(bp.Slot, popup, 0, 0, 0, 0, 0)
		return false
	}
	id := h.open("")

	require.True(t, h.e.ExecuteScript(id, "window.open('http://popup.test/', 'side', 'left=5,top=6,width=300,height=200,menubar=no')"))
	h.pumpUntil(func() bool {
		popup.mu.Lock()
		defer popup.mu.Unlock()
		return len(popup.created) == 1
	})
	popupID := popup.created[0]
	h.pumpUntil(func() bool { return len(notesOf[native.TitleChange](popup, popupID)) == 1 })
	assert.Equal(t, "Popup", notesOf[native.TitleChange](popup, popupID)[0].Title)
	assert.Equal(t, "http://popup.test/", h.e.GetURL(popupID))

	require.Len(t, requests, 1)
	assert.Equal(t, native.PopupFeatures{
		X: 5, XSet: true, Y: 6, YSet: true,
		Width: 300, WidthSet: true, Height: 200, HeightSet: true,
	}, requests[0].Features)

	require.True(t, h.e.ExecuteScript(id, "window.open('http://popup.test/', 'blocked')"))
	h.pumpUntil(func() bool { return len(requests) == 2 })
	h.e.PumpMessageLoop()
	assert.Equal(t, 2, h.e.Browsers(), "a cancelled popup is never created")
}

func TestRequestInterception(t *testing.T) {
	h := newHarness(t)
	var got native.ResourceRequest
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		rr, ok := n.(native.ResourceRequest)
		if !ok {
			return false
		}
		got = rr
		rr.Responder.Respond(&native.Response{Status: http.StatusOK, MimeType: "text/html", Body: []byte("<title>Local</title>")})
		return true
	}
	id := h.open("")
	h.e.RegisterHTTPHost("App.Local", true)

	before := h.loads(id)
	h.e.LoadURL(id, "http://app.local/form", []byte("q=1"), "X-Test: yes", 1)
	h.pumpUntil(func() bool { return h.loads(id) > before })

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "q=1", string(got.PostData))
	assert.Equal(t, "yes", got.Header.Get("X-Test"))
	titles := notesOf[native.TitleChange](h.r, id)
	assert.Equal(t, "Local", titles[len(titles)-1].Title)
}

func TestNetworkLoadWithAuthentication(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pw" {
			w.Header().Set("WWW-Authenticate", `Basic realm="vault"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("<title>Denied</title>"))
			return
		}
		assert.Equal(t, "BrowserHost/test", r.UserAgent())
		assert.Equal(t, "en-US", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("<title>Vault</title>"))
		_ = gz.Close()
	}))
	defer srv.Close()

	var challenges []native.AuthCredentials
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		ac, ok := n.(native.AuthCredentials)
		if !ok {
			return false
		}
		challenges = append(challenges, ac)
		ac.Callback.Continue("user", "pw")
		return true
	}
	id := h.open("")
	h.navigate(id, srv.URL+"/")

	require.Len(t, challenges, 1)
	assert.Equal(t, "vault", challenges[0].Realm)
	assert.Equal(t, "basic", challenges[0].Scheme)
	assert.Equal(t, "127.0.0.1", challenges[0].Host)
	titles := notesOf[native.TitleChange](h.r, id)
	assert.Equal(t, "Vault", titles[len(titles)-1].Title)
}

func TestDownloads(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.txt"`)
		_, _ = w.Write([]byte("numbers"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h.r.handle = func(_ native.ID, n native.Notification) bool {
		bd, ok := n.(native.BeforeDownload)
		if !ok {
			return false
		}
		bd.Callback.Continue(filepath.Join(dir, bd.SuggestedName))
		return true
	}
	id := h.open("")
	h.navigate(id, srv.URL+"/report")
	h.pumpUntil(func() bool { return len(notesOf[native.DownloadUpdated](h.r, id)) == 1 })

	done := notesOf[native.DownloadUpdated](h.r, id)[0]
	assert.True(t, done.Complete)
	assert.Equal(t, filepath.Join(dir, "report.txt"), done.FullPath)
	data, err := os.ReadFile(done.FullPath)
	require.NoError(t, err)
	assert.Equal(t, "numbers", string(data))
	assert.Equal(t, aboutBlank, h.e.GetURL(id), "a download does not replace the page")
}

func TestCookies(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", "<title>x</title>")
	require.True(t, h.e.SetCookie("http://site.test/", native.Cookie{Name: "sid", Value: "1", Path: "/"}))
	assert.False(t, h.e.SetCookie("not a url", native.Cookie{Name: "x"}))

	var seen []native.Cookie
	require.True(t, h.e.VisitCookies("http://site.test/", native.CookieVisitorFunc(func(c native.Cookie) bool {
		seen = append(seen, c)
		return true
	})))
	assert.Equal(t, []native.Cookie{{Name: "sid", Value: "1"}}, seen)

	id := h.open("http://site.test/")
	assert.Equal(t, str("sid=1"), h.evaluate(id, "document.cookie"))
	assert.Equal(t, str("sid=1; theme=dark"), h.evaluate(id, "document.cookie = 'theme=dark'; document.cookie"))

	h.e.DeleteCookies()
	assert.Equal(t, str(""), h.evaluate(id, "document.cookie"))
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.e.Serve("http://site.test/", `<script>setTimeout(function () {}, 60000);</script>`)
	id := h.open("http://site.test/")

	h.e.Shutdown()
	assert.Zero(t, h.e.Browsers())
	assert.False(t, h.e.PumpMessageLoop())
	assert.False(t, h.e.EvaluateScript(id, "1", 1))
	assert.Error(t, h.e.CreateBrowser(native.CreateRequest{Client: h.r}))
	h.e.Shutdown()
}

func mustDecode(t *testing.T, v codec.Value) any {
	t.Helper()
	out, err := codec.Decode(v)
	require.NoError(t, err)
	return out
}
