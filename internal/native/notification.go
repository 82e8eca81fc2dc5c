// internal/native/notification.go
package native

import (
	"net/http"

	"github.com/xkilldash9x/browserhost/internal/codec"
)

// Notification is the closed set of engine-to-host callbacks, other than
// AfterCreated.
type Notification interface {
	Kind() string
	notification()
}

// BeforeClose is the last notification for a browser. Its id is invalid
// afterwards.
type BeforeClose struct{}

// DoClose asks whether the browser may close. Returning true cancels.
type DoClose struct{}

// PopupFeatures are the window features a page requested. Geometry fields
// are only meaningful when their Set flag is true.
type PopupFeatures struct {
	X, Y                int
	XSet, YSet          bool
	Width, Height       int
	WidthSet, HeightSet bool
	MenuBarVisible      bool
	StatusBarVisible    bool
	ToolBarVisible      bool
	ScrollbarsVisible   bool
}

// BeforePopup asks for a responder for a new window. The handler answers
// with Engine.SetWindowInfo on Slot before returning. Returning true
// cancels the popup.
type BeforePopup struct {
	URL         string
	FrameName   string
	UserGesture bool
	Features    PopupFeatures
	Slot        PopupSlot
}

// BeforeBrowse is sent before a navigation. Returning true cancels it.
type BeforeBrowse struct {
	URL         string
	MainFrame   bool
	UserGesture bool
	Redirect    bool
}

type AddressChange struct {
	URL       string
	MainFrame bool
}

type TitleChange struct {
	Title string
}

type StatusMessage struct {
	Text string
}

type LoadingStateChange struct {
	Loading      bool
	CanGoBack    bool
	CanGoForward bool
}

type GotFocus struct{}

// SetFocusRequest asks whether the browser may take focus. Returning true
// refuses.
type SetFocusRequest struct {
	Source int
}

// TakeFocus hands focus back to the host, forwards when Next is set.
type TakeFocus struct {
	Next bool
}

// DialogType identifies a JavaScript dialog.
type DialogType int

const (
	DialogAlert DialogType = iota
	DialogConfirm
	DialogPrompt
)

func (t DialogType) String() string {
	switch t {
	case DialogConfirm:
		return "confirm"
	case DialogPrompt:
		return "prompt"
	default:
		return "alert"
	}
}

// JSDialog asks the host to show a dialog. Returning true means the host
// will call Callback.
type JSDialog struct {
	Type          DialogType
	OriginURL     string
	Message       string
	DefaultPrompt string
	Callback      DialogCallback
}

// BeforeUnloadDialog asks the host to confirm leaving the page. Returning
// true means the host will call Callback.
type BeforeUnloadDialog struct {
	Message  string
	IsReload bool
	Callback DialogCallback
}

type DialogClosed struct{}

// AuthCredentials asks for credentials. Returning true means the host will
// call Callback; false cancels the request.
type AuthCredentials struct {
	OriginURL string
	Proxy     bool
	Host      string
	Port      int
	Realm     string
	Scheme    string
	Callback  AuthCallback
}

// ProcessMessage carries a renderer message: exactly one of Eval and Call
// is set.
type ProcessMessage struct {
	FromRenderer bool
	Eval         *EvalResult
	Call         *FunctionCall
}

// EvalResult is the outcome of EvaluateScript.
type EvalResult struct {
	RequestID uint64
	Value     codec.Value
}

// FunctionCall is a page script invoking an exposed function. The host
// answers with Engine.FunctionReturn using Index and Port.
type FunctionCall struct {
	Index int
	Port  int
	Args  codec.Value
}

// ConsoleMessage is a console.* call. Returning true suppresses the
// engine's own output.
type ConsoleMessage struct {
	Level   int
	Message string
	Source  string
	Line    int
}

// BeforeDownload is sent before a download starts. The host calls
// Callback.Continue to accept it; otherwise it is cancelled.
type BeforeDownload struct {
	SuggestedName string
	URL           string
	Callback      DownloadCallback
}

type DownloadUpdated struct {
	URL      string
	FullPath string
	Complete bool
	Canceled bool
}

// ResourceRequest is a request for a host registered with
// Engine.RegisterHTTPHost. Returning true means the host will call
// Responder.
type ResourceRequest struct {
	URL       string
	Method    string
	Header    http.Header
	PostData  []byte
	Responder Responder
}

func (BeforeClose) Kind() string        { return "before_close" }
func (DoClose) Kind() string            { return "do_close" }
func (BeforePopup) Kind() string        { return "before_popup" }
func (BeforeBrowse) Kind() string       { return "before_browse" }
func (AddressChange) Kind() string      { return "address_change" }
func (TitleChange) Kind() string        { return "title_change" }
func (StatusMessage) Kind() string      { return "status_message" }
func (LoadingStateChange) Kind() string { return "loading_state_change" }
func (GotFocus) Kind() string           { return "got_focus" }
func (SetFocusRequest) Kind() string    { return "set_focus" }
func (TakeFocus) Kind() string          { return "take_focus" }
func (JSDialog) Kind() string           { return "js_dialog" }
func (BeforeUnloadDialog) Kind() string { return "before_unload_dialog" }
func (DialogClosed) Kind() string       { return "dialog_closed" }
func (AuthCredentials) Kind() string    { return "auth_credentials" }
func (ProcessMessage) Kind() string     { return "process_message" }
func (ConsoleMessage) Kind() string     { return "console_message" }
func (BeforeDownload) Kind() string     { return "before_download" }
func (DownloadUpdated) Kind() string    { return "download_updated" }
func (ResourceRequest) Kind() string    { return "resource_request" }

func (BeforeClose) notification()        {}
func (DoClose) notification()            {}
func (BeforePopup) notification()        {}
func (BeforeBrowse) notification()       {}
func (AddressChange) notification()      {}
func (TitleChange) notification()        {}
func (StatusMessage) notification()      {}
func (LoadingStateChange) notification() {}
func (GotFocus) notification()           {}
func (SetFocusRequest) notification()    {}
func (TakeFocus) notification()          {}
func (JSDialog) notification()           {}
func (BeforeUnloadDialog) notification() {}
func (DialogClosed) notification()       {}
func (AuthCredentials) notification()    {}
func (ProcessMessage) notification()     {}
func (ConsoleMessage) notification()     {}
func (BeforeDownload) notification()     {}
func (DownloadUpdated) notification()    {}
func (ResourceRequest) notification()    {}
