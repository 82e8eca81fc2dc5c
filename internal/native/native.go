// internal/native/native.go
package native

import (
	"net/http"
	"time"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/registry"
)

// ID is the engine-issued browser id carried by every notification.
type ID = registry.ID

// WindowHandle is an opaque host window handle. Headless hosts use 0.
type WindowHandle uintptr

// PopupSlot identifies a pending popup window the engine is waiting for a
// responder for. It is only valid during the BeforePopup notification.
type PopupSlot int

// Engine is the surface of the embedded browser engine. Every method except
// Scheduler.ScheduleWork is called on the host loop goroutine, and
// notifications are only delivered from inside PumpMessageLoop.
type Engine interface {
	// CreateBrowser starts creating a browser. The id arrives later through
	// Client.AfterCreated.
	CreateBrowser(req CreateRequest) error
	CloseBrowser(id ID, force bool)
	Reload(id ID)
	Stop(id ID)
	GoBack(id ID)
	GoForward(id ID)
	Resize(id ID, width, height int)
	SetFocus(id ID, focus bool, parent WindowHandle)

	// LoadURL navigates the main frame. joinedHeaders holds headerCount
	// "Name: value" lines joined with "::".
	LoadURL(id ID, url string, postBody []byte, joinedHeaders string, headerCount int)

	// EvaluateScript runs script in the main frame. The result comes back as
	// a ProcessMessage carrying an EvalResult with the same requestID. It
	// reports whether the engine accepted the call.
	EvaluateScript(id ID, script string, requestID uint64) bool
	ExecuteScript(id ID, script string) bool

	// RegisterFunction exposes a host function to page scripts under name.
	// Invocations arrive as ProcessMessage notifications carrying a
	// FunctionCall with the same index.
	RegisterFunction(id ID, name string, index int) bool
	FunctionReturn(id ID, index, port int, result codec.Value) bool

	// PumpMessageLoop runs one slice of engine work and delivers queued
	// notifications. It reports false on failure.
	PumpMessageLoop() bool

	GetText(id ID, visitor TextVisitor)
	GetURL(id ID) string

	// SetWindowInfo answers a BeforePopup: the popup is created under parent
	// with geometry x,y,w,h and reports to client.
	SetWindowInfo(slot PopupSlot, client Client, parent WindowHandle, x, y, width, height int)

	// RegisterHTTPHost routes requests for host to ResourceRequest
	// notifications while enabled.
	RegisterHTTPHost(host string, enabled bool)

	VisitCookies(url string, visitor CookieVisitor) bool
	SetCookie(url string, cookie Cookie) bool
	DeleteCookies()

	// SetScheduler installs the callback the engine uses to ask for pump
	// cycles. It may be called from any goroutine.
	SetScheduler(s Scheduler)
	Shutdown()
}

// CreateRequest describes a browser to create.
type CreateRequest struct {
	Parent     WindowHandle
	URL        string
	Client     Client
	Width      int
	Height     int
	Scripting  bool
	Background uint32 // ARGB
}

// Client receives the callbacks for browsers created with it.
type Client interface {
	AfterCreated(id ID)
	// Notify delivers a notification. The meaning of the return value is
	// defined per notification type; false always selects the engine's
	// default behavior.
	Notify(id ID, n Notification) bool
}

// Scheduler is the one engine-to-host entry point that may be called from a
// foreign goroutine.
type Scheduler interface {
	ScheduleWork(delay time.Duration)
}

type SchedulerFunc func(delay time.Duration)

func (f SchedulerFunc) ScheduleWork(delay time.Duration) { f(delay) }

// -- Callbacks --

// DialogCallback answers a JavaScript dialog.
type DialogCallback interface {
	Continue(ok bool, input string)
}

type DialogCallbackFunc func(ok bool, input string)

func (f DialogCallbackFunc) Continue(ok bool, input string) { f(ok, input) }

// AuthCallback answers an authentication challenge.
type AuthCallback interface {
	Continue(user, password string)
	Cancel()
}

// DownloadCallback starts a download to path.
type DownloadCallback interface {
	Continue(path string)
}

type DownloadCallbackFunc func(path string)

func (f DownloadCallbackFunc) Continue(path string) { f(path) }

// TextVisitor receives the text of the current page.
type TextVisitor interface {
	Visit(text string, ok bool)
}

type TextVisitorFunc func(text string, ok bool)

func (f TextVisitorFunc) Visit(text string, ok bool) { f(text, ok) }

// CookieVisitor receives cookies one at a time and returns false to stop.
type CookieVisitor interface {
	Visit(c Cookie) bool
}

type CookieVisitorFunc func(c Cookie) bool

func (f CookieVisitorFunc) Visit(c Cookie) bool { return f(c) }

// Cookie is a cookie as the engine stores it. A zero Expires is a session
// cookie.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	Expires  time.Time
}

// Responder completes a ResourceRequest.
type Responder interface {
	Respond(r *Response)
}

type ResponderFunc func(r *Response)

func (f ResponderFunc) Respond(r *Response) { f(r) }

// Response is a synthesized response for an intercepted request.
type Response struct {
	Status   int
	MimeType string
	Header   http.Header
	Body     []byte
}
