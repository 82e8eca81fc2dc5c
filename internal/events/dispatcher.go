// internal/events/dispatcher.go
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Listeners is an ordered set of subscribers.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	l  T
}

// Add appends l and returns a function that removes it again.
func (s *Listeners[T]) Add(l T) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, entry[T]{id: id, l: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Listeners[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Each calls fn for a snapshot of the listeners in registration order, so
// listeners may add or remove listeners while being notified.
func (s *Listeners[T]) Each(fn func(T)) {
	s.mu.Lock()
	snapshot := make([]T, len(s.entries))
	for i, e := range s.entries {
		snapshot[i] = e.l
	}
	s.mu.Unlock()

	for _, l := range snapshot {
		fn(l)
	}
}

// Dispatcher holds the host-facing listener sets of one browser. Every
// notification recovers listener panics so a faulty listener cannot break
// the host loop or the listeners after it.
type Dispatcher struct {
	logger *zap.Logger

	Location       Listeners[LocationListener]
	Progress       Listeners[ProgressListener]
	StatusText     Listeners[StatusTextListener]
	Title          Listeners[TitleListener]
	CloseWindow    Listeners[CloseWindowListener]
	OpenWindow     Listeners[OpenWindowListener]
	Visibility     Listeners[VisibilityWindowListener]
	Authentication Listeners[AuthenticationListener]
	Download       Listeners[DownloadListener]
	Console        Listeners[ConsoleListener]
}

// NewDispatcher creates a dispatcher with empty listener sets.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger.Named("events")}
}

func each[T any](d *Dispatcher, name string, set *Listeners[T], fn func(T)) {
	set.Each(func(l T) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Recovered from panic in listener",
					zap.String("event", name),
					zap.Any("panic_value", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn(l)
	})
}

func (d *Dispatcher) LocationChanging(e *LocationEvent) {
	each(d, "location.changing", &d.Location, func(l LocationListener) { l.Changing(e) })
}

func (d *Dispatcher) LocationChanged(e *LocationEvent) {
	each(d, "location.changed", &d.Location, func(l LocationListener) { l.Changed(e) })
}

func (d *Dispatcher) ProgressChanged(e *ProgressEvent) {
	each(d, "progress.changed", &d.Progress, func(l ProgressListener) { l.Changed(e) })
}

func (d *Dispatcher) ProgressCompleted(e *ProgressEvent) {
	each(d, "progress.completed", &d.Progress, func(l ProgressListener) { l.Completed(e) })
}

func (d *Dispatcher) StatusTextChanged(e *StatusTextEvent) {
	each(d, "status_text.changed", &d.StatusText, func(l StatusTextListener) { l.Changed(e) })
}

func (d *Dispatcher) TitleChanged(e *TitleEvent) {
	each(d, "title.changed", &d.Title, func(l TitleListener) { l.Changed(e) })
}

func (d *Dispatcher) WindowClosed(e *WindowEvent) {
	each(d, "window.close", &d.CloseWindow, func(l CloseWindowListener) { l.Close(e) })
}

func (d *Dispatcher) WindowOpen(e *WindowEvent) {
	each(d, "window.open", &d.OpenWindow, func(l OpenWindowListener) { l.Open(e) })
}

func (d *Dispatcher) WindowShow(e *WindowEvent) {
	each(d, "window.show", &d.Visibility, func(l VisibilityWindowListener) { l.Show(e) })
}

func (d *Dispatcher) WindowHide(e *WindowEvent) {
	each(d, "window.hide", &d.Visibility, func(l VisibilityWindowListener) { l.Hide(e) })
}

func (d *Dispatcher) Authenticate(e *AuthenticationEvent) {
	each(d, "authenticate", &d.Authentication, func(l AuthenticationListener) { l.Authenticate(e) })
}

// BeforeDownload asks the download listeners in order; the first one that
// accepts decides the path. With no listener every download is cancelled.
func (d *Dispatcher) BeforeDownload(suggestedName, url string) (path string, ok bool) {
	each(d, "download.before", &d.Download, func(l DownloadListener) {
		if ok {
			return
		}
		path, ok = l.BeforeDownload(suggestedName, url)
	})
	return path, ok
}

func (d *Dispatcher) DownloadFinished(ok bool, path string) {
	each(d, "download.finished", &d.Download, func(l DownloadListener) { l.DownloadFinished(ok, path) })
}

func (d *Dispatcher) ConsoleMessage(e *ConsoleEvent) {
	each(d, "console", &d.Console, func(l ConsoleListener) { l.OnConsoleMessage(e) })
}
