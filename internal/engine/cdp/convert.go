// internal/engine/cdp/convert.go
package cdp

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/browserhost/internal/codec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Console levels as the host numbers them.
const (
	levelDefault = iota
	levelVerbose
	levelInfo
	levelWarning
	levelError
)

var invalidReturn = codec.Value{Kind: codec.KindError, Payload: codec.InvalidReturnValue}

// remoteValue converts an evaluation result returned by value. Objects,
// functions and bigints have no transport form.
func remoteValue(obj *runtime.RemoteObject) codec.Value {
	if obj == nil {
		return codec.Null
	}
	switch obj.Type {
	case runtime.TypeUndefined:
		return codec.Null
	case runtime.TypeFunction, runtime.TypeSymbol, runtime.TypeBigint:
		return invalidReturn
	case runtime.TypeNumber:
		if obj.UnserializableValue != "" {
			f, err := strconv.ParseFloat(string(obj.UnserializableValue), 64)
			if err != nil {
				return invalidReturn
			}
			return codec.Encode(f)
		}
	}
	if obj.Subtype == runtime.SubtypeNull {
		return codec.Null
	}
	if len(obj.Value) == 0 {
		return invalidReturn
	}
	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return invalidReturn
	}
	if !transportable(v) {
		return invalidReturn
	}
	return codec.Encode(v)
}

func transportable(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return true
	case []any:
		for _, elem := range t {
			if !transportable(elem) {
				return false
			}
		}
		return true
	}
	return false
}

// exceptionText is the message of a failed evaluation.
func exceptionText(ex *runtime.ExceptionDetails) string {
	if ex.Exception != nil && ex.Exception.Description != "" {
		// Descriptions carry the stack after the first line.
		first, _, _ := strings.Cut(ex.Exception.Description, "\n")
		return first
	}
	return ex.Text
}

func consoleLevel(t runtime.APIType) int {
	switch t {
	case runtime.APITypeDebug:
		return levelVerbose
	case runtime.APITypeInfo:
		return levelInfo
	case runtime.APITypeWarning:
		return levelWarning
	case runtime.APITypeError, runtime.APITypeAssert:
		return levelError
	default:
		return levelDefault
	}
}

// consoleText joins console arguments the way the page would print them.
func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, remoteString(a))
	}
	return strings.Join(parts, " ")
}

func remoteString(obj *runtime.RemoteObject) string {
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if len(obj.Value) > 0 {
		var v any
		if err := json.Unmarshal(obj.Value, &v); err == nil {
			if s, ok := v.(string); ok {
				return s
			}
			return string(obj.Value)
		}
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

// -- headers --

func httpHeader(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for name, v := range h {
		for _, line := range strings.Split(fmt.Sprint(v), "\n") {
			out.Add(name, line)
		}
	}
	return out
}

// headerEntries flattens h in a stable order.
func headerEntries(h http.Header) []*fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []*fetch.HeaderEntry
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, &fetch.HeaderEntry{Name: name, Value: v})
		}
	}
	return out
}

func hostPort(rawURL string) (string, int) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		switch u.Scheme {
		case "https":
			port = 443
		case "http":
			port = 80
		}
	}
	return u.Hostname(), port
}

// rgba converts a packed ARGB color.
func rgba(argb uint32) *cdp.RGBA {
	return &cdp.RGBA{
		R: int64((argb >> 16) & 0xff),
		G: int64((argb >> 8) & 0xff),
		B: int64(argb & 0xff),
		A: float64(argb>>24) / 255,
	}
}

// -- exposed functions --

// bindingName is the single CDP binding every exposed function reports
// through.
const bindingName = "__browserhostCall"

// functionShim defines name as a page function returning a Promise that
// settles once the host answers.
func functionShim(name string, index int) string {
	quoted, _ := json.MarshalToString(name)
	return `(function () {
  var host = window.__browserhost;
  if (!host) {
    host = window.__browserhost = {seq: 0, pending: {}};
    host.settle = function (port, ok, value) {
      var p = host.pending[port];
      if (!p) { return false; }
      delete host.pending[port];
      if (ok) { p.resolve(value); } else { p.reject(new Error(value)); }
      return true;
    };
  }
  window[` + quoted + `] = function () {
    var args = Array.prototype.slice.call(arguments);
    return new Promise(function (resolve, reject) {
      var port = ++host.seq;
      host.pending[port] = {resolve: resolve, reject: reject};
      window.` + bindingName + `(JSON.stringify({index: ` + strconv.Itoa(index) + `, port: port, args: args}));
    });
  };
})();`
}

// bindingCall is the payload functionShim sends.
type bindingCall struct {
	Index int   `json:"index"`
	Port  int   `json:"port"`
	Args  []any `json:"args"`
}

func parseBindingCall(payload string) (bindingCall, error) {
	var call bindingCall
	if err := json.UnmarshalFromString(payload, &call); err != nil {
		return call, fmt.Errorf("decoding binding payload: %w", err)
	}
	if call.Port <= 0 {
		return call, fmt.Errorf("binding payload has no port")
	}
	return call, nil
}

// settleScript answers the pending call on port with result.
func settleScript(port int, result codec.Value) string {
	ok := true
	var value any
	if result.Kind == codec.KindError {
		ok, value = false, result.Payload
	} else if v, err := codec.Decode(result); err != nil {
		ok, value = false, err.Error()
	} else {
		value = v
	}
	literal, err := json.MarshalToString(value)
	if err != nil {
		ok, literal = false, strconv.Quote(err.Error())
	}
	return fmt.Sprintf("window.__browserhost && window.__browserhost.settle(%d, %t, %s)", port, ok, literal)
}
