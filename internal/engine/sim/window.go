// internal/engine/sim/window.go
package sim

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserhost/internal/native"
)

// Console levels as the host numbers them.
const (
	levelDefault = iota
	levelVerbose
	levelInfo
	levelWarning
	levelError
)

// installGlobals builds the window surface page scripts see. The global
// object doubles as window.
func (b *browser) installGlobals(vm *goja.Runtime) {
	g := vm.GlobalObject()
	set := func(obj *goja.Object, name string, v any) {
		if err := obj.Set(name, v); err != nil {
			b.logger.Error("Failed to define page global", zap.String("name", name), zap.Error(err))
		}
	}
	accessor := func(obj *goja.Object, name string, get func() any, put func(string)) {
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) })
		var setter goja.Value
		if put != nil {
			setter = vm.ToValue(func(call goja.FunctionCall) goja.Value {
				put(argString(call, 0))
				return goja.Undefined()
			})
		}
		if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			b.logger.Error("Failed to define page property", zap.String("name", name), zap.Error(err))
		}
	}

	set(g, "window", g)
	set(g, "self", g)

	console := vm.NewObject()
	for name, level := range map[string]int{
		"log":   levelDefault,
		"debug": levelVerbose,
		"info":  levelInfo,
		"warn":  levelWarning,
		"error": levelError,
	} {
		set(console, name, b.consoleFunc(level))
	}
	set(g, "console", console)

	set(g, "alert", func(call goja.FunctionCall) goja.Value {
		b.dialog(native.DialogAlert, argString(call, 0), "")
		return goja.Undefined()
	})
	set(g, "confirm", func(call goja.FunctionCall) goja.Value {
		ok, _ := b.dialog(native.DialogConfirm, argString(call, 0), "")
		return vm.ToValue(ok)
	})
	set(g, "prompt", func(call goja.FunctionCall) goja.Value {
		ok, input := b.dialog(native.DialogPrompt, argString(call, 0), argString(call, 1))
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(input)
	})

	set(g, "open", func(call goja.FunctionCall) goja.Value {
		target := b.resolve(argString(call, 0))
		if target == "" {
			target = aboutBlank
		}
		b.e.openPopup(b, target, argString(call, 1), native.ParseFeatures(argString(call, 2)))
		return goja.Null()
	})
	set(g, "close", func(goja.FunctionCall) goja.Value {
		b.teardown()
		return goja.Undefined()
	})
	set(g, "focus", func(goja.FunctionCall) goja.Value {
		b.requestFocus()
		return goja.Undefined()
	})
	set(g, "blur", func(goja.FunctionCall) goja.Value {
		b.post(native.TakeFocus{Next: true}, nil)
		return goja.Undefined()
	})
	accessor(g, "status", func() any { return "" }, func(text string) {
		b.post(native.StatusMessage{Text: text}, nil)
	})

	location := vm.NewObject()
	accessor(location, "href", func() any { return b.currentURL() }, b.assign)
	set(location, "assign", func(call goja.FunctionCall) goja.Value {
		b.assign(argString(call, 0))
		return goja.Undefined()
	})
	set(location, "replace", func(call goja.FunctionCall) goja.Value {
		b.mu.Lock()
		index := b.index
		b.mu.Unlock()
		b.navigate(navigation{url: b.resolve(argString(call, 0)), historyIndex: index})
		return goja.Undefined()
	})
	set(location, "reload", func(goja.FunctionCall) goja.Value {
		b.reload()
		return goja.Undefined()
	})
	set(location, "toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(b.currentURL())
	})
	set(g, "location", location)

	history := vm.NewObject()
	set(history, "back", func(goja.FunctionCall) goja.Value {
		b.traverse(-1)
		return goja.Undefined()
	})
	set(history, "forward", func(goja.FunctionCall) goja.Value {
		b.traverse(1)
		return goja.Undefined()
	})
	set(history, "go", func(call goja.FunctionCall) goja.Value {
		if delta := int(call.Argument(0).ToInteger()); delta != 0 {
			b.traverse(delta)
		} else {
			b.reload()
		}
		return goja.Undefined()
	})
	accessor(history, "length", func() any {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.history)
	}, nil)
	set(g, "history", history)

	document := vm.NewObject()
	accessor(document, "title", func() any {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.title
	}, func(title string) {
		b.mu.Lock()
		b.title = title
		b.mu.Unlock()
		b.post(native.TitleChange{Title: title}, nil)
	})
	accessor(document, "URL", func() any { return b.currentURL() }, nil)
	accessor(document, "cookie", func() any { return b.documentCookie() }, b.setDocumentCookie)
	set(g, "document", document)
}

// resetPage clears per-document state and re-exposes host functions.
func (b *browser) resetPage(vm *goja.Runtime, functions map[string]int) {
	if err := vm.Set("onbeforeunload", goja.Null()); err != nil {
		b.logger.Debug("Failed to reset unload handler", zap.Error(err))
	}
	for name, index := range functions {
		b.defineFunction(vm, name, index)
	}
}

func (b *browser) consoleFunc(level int) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		msg := native.ConsoleMessage{
			Level:   level,
			Message: strings.Join(parts, " "),
			Source:  b.currentURL(),
		}
		b.post(msg, func(handled bool) {
			if !handled {
				b.logger.Info("Page console", zap.Int("level", msg.Level), zap.String("message", msg.Message))
			}
		})
		return goja.Undefined()
	}
}

// reportError surfaces an uncaught page exception as a console error.
// Interruptions from closing are not errors.
func (b *browser) reportError(err error) {
	if _, ok := err.(*goja.InterruptedError); ok {
		return
	}
	b.post(native.ConsoleMessage{
		Level:   levelError,
		Message: "Uncaught " + scriptError(err),
		Source:  b.currentURL(),
	}, nil)
}

func (b *browser) assign(ref string) {
	b.navigate(navigation{url: b.resolve(ref), historyIndex: -1})
}

// resolve makes ref absolute against the current document.
func (b *browser) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	base, err := url.Parse(b.currentURL())
	if err != nil || !base.IsAbs() {
		return ref
	}
	return base.ResolveReference(r).String()
}

func (b *browser) documentCookie() string {
	u, err := url.Parse(b.currentURL())
	if err != nil || u.Host == "" {
		return ""
	}
	pairs := make([]string, 0)
	for _, c := range b.e.jar.Cookies(u) {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

func (b *browser) setDocumentCookie(header string) {
	u, err := url.Parse(b.currentURL())
	if err != nil || u.Host == "" {
		return
	}
	c, err := http.ParseSetCookie(header)
	if err != nil {
		b.logger.Debug("Ignoring malformed document.cookie", zap.String("cookie", header), zap.Error(err))
		return
	}
	b.e.jar.SetCookies(u, []*http.Cookie{c})
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
