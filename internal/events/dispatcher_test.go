// internal/events/dispatcher_test.go
package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestListenersOrderAndRemoval(t *testing.T) {
	var set Listeners[TitleListener]
	var got []string
	set.Add(TitleFunc(func(e *TitleEvent) { got = append(got, "a:"+e.Title) }))
	removeB := set.Add(TitleFunc(func(e *TitleEvent) { got = append(got, "b:"+e.Title) }))
	set.Add(TitleFunc(func(e *TitleEvent) { got = append(got, "c:"+e.Title) }))
	assert.Equal(t, 3, set.Len())

	d := NewDispatcher(zaptest.NewLogger(t))
	each(d, "test", &set, func(l TitleListener) { l.Changed(&TitleEvent{Title: "1"}) })
	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, got)

	removeB()
	removeB()
	assert.Equal(t, 2, set.Len())
	got = nil
	each(d, "test", &set, func(l TitleListener) { l.Changed(&TitleEvent{Title: "2"}) })
	assert.Equal(t, []string{"a:2", "c:2"}, got)
}

func TestListenerMayUnsubscribeDuringNotification(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	calls := 0
	var remove func()
	remove = d.StatusText.Add(StatusTextFunc(func(*StatusTextEvent) {
		calls++
		remove()
	}))
	d.StatusTextChanged(&StatusTextEvent{Text: "x"})
	d.StatusTextChanged(&StatusTextEvent{Text: "y"})
	assert.Equal(t, 1, calls)
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	reached := false
	d.Location.Add(LocationFuncs{OnChanging: func(*LocationEvent) { panic("bad listener") }})
	d.Location.Add(LocationFuncs{OnChanging: func(e *LocationEvent) {
		reached = true
		e.Doit = false
	}})

	e := &LocationEvent{Location: "https://example.test", Top: true, Doit: true}
	assert.NotPanics(t, func() { d.LocationChanging(e) })
	assert.True(t, reached)
	assert.False(t, e.Doit)
}

func TestBeforeDownloadFirstAcceptWins(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	_, ok := d.BeforeDownload("a.zip", "https://example.test/a.zip")
	assert.False(t, ok, "no listener cancels the download")

	d.Download.Add(DownloadFuncs{})
	d.Download.Add(DownloadFuncs{OnBefore: func(name, _ string) (string, bool) { return "/tmp/" + name, true }})
	d.Download.Add(DownloadFuncs{OnBefore: func(string, string) (string, bool) { return "/never", true }})

	path, ok := d.BeforeDownload("a.zip", "https://example.test/a.zip")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/a.zip", path)

	var finished []string
	d.Download.Add(DownloadFuncs{OnFinished: func(ok bool, p string) {
		if ok {
			finished = append(finished, p)
		}
	}})
	d.DownloadFinished(true, path)
	assert.Equal(t, []string{"/tmp/a.zip"}, finished)
}

func TestDispatcherRoutesEachKind(t *testing.T) {
	d := NewDispatcher(zaptest.NewLogger(t))
	var trace []string
	d.Progress.Add(ProgressFuncs{
		OnChanged:   func(e *ProgressEvent) { trace = append(trace, "progress") },
		OnCompleted: func(e *ProgressEvent) { trace = append(trace, "completed") },
	})
	d.CloseWindow.Add(CloseWindowFunc(func(*WindowEvent) { trace = append(trace, "close") }))
	d.OpenWindow.Add(OpenWindowFunc(func(*WindowEvent) { trace = append(trace, "open") }))
	d.Visibility.Add(VisibilityFuncs{OnShow: func(*WindowEvent) { trace = append(trace, "show") }})
	d.Authentication.Add(AuthenticationFunc(func(e *AuthenticationEvent) {
		e.User = "user"
		trace = append(trace, "auth")
	}))
	d.Console.Add(ConsoleFunc(func(e *ConsoleEvent) { trace = append(trace, "console:"+e.Level.String()) }))

	d.ProgressChanged(&ProgressEvent{Current: 1, Total: 100})
	d.ProgressCompleted(&ProgressEvent{Current: 100, Total: 100})
	d.WindowClosed(&WindowEvent{})
	d.WindowOpen(&WindowEvent{})
	d.WindowShow(&WindowEvent{})
	d.WindowHide(&WindowEvent{})
	auth := &AuthenticationEvent{Doit: true}
	d.Authenticate(auth)
	d.ConsoleMessage(&ConsoleEvent{Level: ConsoleWarning})

	assert.Equal(t, []string{"progress", "completed", "close", "open", "show", "auth", "console:warning"}, trace)
	assert.Equal(t, "user", auth.User)
}
