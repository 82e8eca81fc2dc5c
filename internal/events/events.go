// internal/events/events.go
package events

// LocationEvent describes a navigation. Changing listeners may veto it by
// setting Doit to false.
type LocationEvent struct {
	Location string
	// Top is true when the main frame navigates.
	Top  bool
	Doit bool
}

// ProgressEvent reports load progress. Current == Total means done.
type ProgressEvent struct {
	Current int
	Total   int
}

type StatusTextEvent struct {
	Text string
}

type TitleEvent struct {
	Title string
}

type Point struct {
	X, Y int
}

type Size struct {
	Width, Height int
}

// PopupTarget is a host browser that can host a popup window.
type PopupTarget interface {
	InstanceID() int
}

// WindowEvent is used for open-window, close-window and visibility
// notifications. Location and Size are nil when the page did not specify
// them.
type WindowEvent struct {
	Location   *Point
	Size       *Size
	AddressBar bool
	MenuBar    bool
	StatusBar  bool
	ToolBar    bool

	// Required is set by an open-window listener that takes responsibility
	// for the popup even though it does not supply Browser.
	Required bool
	// Browser, when set by an open-window listener, adopts the popup.
	Browser PopupTarget
}

// AuthenticationEvent asks for credentials for Location. Listeners fill in
// User and Password, or set Doit to false to cancel the request.
type AuthenticationEvent struct {
	Location string
	User     string
	Password string
	Doit     bool
}

// ConsoleLevel mirrors the engine's console severities.
type ConsoleLevel int

const (
	ConsoleDefault ConsoleLevel = iota
	ConsoleVerbose
	ConsoleInfo
	ConsoleWarning
	ConsoleError
)

func (l ConsoleLevel) String() string {
	switch l {
	case ConsoleVerbose:
		return "verbose"
	case ConsoleInfo:
		return "info"
	case ConsoleWarning:
		return "warning"
	case ConsoleError:
		return "error"
	default:
		return "default"
	}
}

type ConsoleEvent struct {
	Level   ConsoleLevel
	Message string
	Source  string
	Line    int
}

// -- Listener interfaces --

type LocationListener interface {
	Changing(e *LocationEvent)
	Changed(e *LocationEvent)
}

type ProgressListener interface {
	Changed(e *ProgressEvent)
	Completed(e *ProgressEvent)
}

type StatusTextListener interface {
	Changed(e *StatusTextEvent)
}

type TitleListener interface {
	Changed(e *TitleEvent)
}

type CloseWindowListener interface {
	Close(e *WindowEvent)
}

type OpenWindowListener interface {
	Open(e *WindowEvent)
}

type VisibilityWindowListener interface {
	Show(e *WindowEvent)
	Hide(e *WindowEvent)
}

type AuthenticationListener interface {
	Authenticate(e *AuthenticationEvent)
}

// DownloadListener decides where downloads go. BeforeDownload returns the
// target path, or false to cancel the download.
type DownloadListener interface {
	BeforeDownload(suggestedName, url string) (path string, ok bool)
	DownloadFinished(ok bool, path string)
}

type ConsoleListener interface {
	OnConsoleMessage(e *ConsoleEvent)
}

// -- Func adapters --

// LocationFuncs adapts functions to LocationListener. Nil fields are skipped.
type LocationFuncs struct {
	OnChanging func(e *LocationEvent)
	OnChanged  func(e *LocationEvent)
}

func (f LocationFuncs) Changing(e *LocationEvent) {
	if f.OnChanging != nil {
		f.OnChanging(e)
	}
}

func (f LocationFuncs) Changed(e *LocationEvent) {
	if f.OnChanged != nil {
		f.OnChanged(e)
	}
}

// ProgressFuncs adapts functions to ProgressListener. Nil fields are skipped.
type ProgressFuncs struct {
	OnChanged   func(e *ProgressEvent)
	OnCompleted func(e *ProgressEvent)
}

func (f ProgressFuncs) Changed(e *ProgressEvent) {
	if f.OnChanged != nil {
		f.OnChanged(e)
	}
}

func (f ProgressFuncs) Completed(e *ProgressEvent) {
	if f.OnCompleted != nil {
		f.OnCompleted(e)
	}
}

type StatusTextFunc func(e *StatusTextEvent)

func (f StatusTextFunc) Changed(e *StatusTextEvent) { f(e) }

type TitleFunc func(e *TitleEvent)

func (f TitleFunc) Changed(e *TitleEvent) { f(e) }

type CloseWindowFunc func(e *WindowEvent)

func (f CloseWindowFunc) Close(e *WindowEvent) { f(e) }

type OpenWindowFunc func(e *WindowEvent)

func (f OpenWindowFunc) Open(e *WindowEvent) { f(e) }

// VisibilityFuncs adapts functions to VisibilityWindowListener.
type VisibilityFuncs struct {
	OnShow func(e *WindowEvent)
	OnHide func(e *WindowEvent)
}

func (f VisibilityFuncs) Show(e *WindowEvent) {
	if f.OnShow != nil {
		f.OnShow(e)
	}
}

func (f VisibilityFuncs) Hide(e *WindowEvent) {
	if f.OnHide != nil {
		f.OnHide(e)
	}
}

type AuthenticationFunc func(e *AuthenticationEvent)

func (f AuthenticationFunc) Authenticate(e *AuthenticationEvent) { f(e) }

// DownloadFuncs adapts functions to DownloadListener. A nil OnBefore
// cancels every download.
type DownloadFuncs struct {
	OnBefore   func(suggestedName, url string) (string, bool)
	OnFinished func(ok bool, path string)
}

func (f DownloadFuncs) BeforeDownload(suggestedName, url string) (string, bool) {
	if f.OnBefore == nil {
		return "", false
	}
	return f.OnBefore(suggestedName, url)
}

func (f DownloadFuncs) DownloadFinished(ok bool, path string) {
	if f.OnFinished != nil {
		f.OnFinished(ok, path)
	}
}

type ConsoleFunc func(e *ConsoleEvent)

func (f ConsoleFunc) OnConsoleMessage(e *ConsoleEvent) { f(e) }
