// internal/engine/cdp/convert_test.go
package cdp

import (
	"math"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserhost/internal/codec"
)

func TestRemoteValue(t *testing.T) {
	tests := []struct {
		name string
		obj  *runtime.RemoteObject
		want codec.Value
	}{
		{"nil", nil, codec.Null},
		{"undefined", &runtime.RemoteObject{Type: runtime.TypeUndefined}, codec.Null},
		{"null", &runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeNull, Value: jsontext.Value("null")}, codec.Null},
		{"number", &runtime.RemoteObject{Type: runtime.TypeNumber, Value: jsontext.Value("2.5")}, codec.Value{Kind: codec.KindDouble, Payload: "2.5"}},
		{"bool", &runtime.RemoteObject{Type: runtime.TypeBoolean, Value: jsontext.Value("true")}, codec.Value{Kind: codec.KindBool, Payload: "1"}},
		{"string", &runtime.RemoteObject{Type: runtime.TypeString, Value: jsontext.Value(`"hi"`)}, codec.Value{Kind: codec.KindString, Payload: "hi"}},
		{"function", &runtime.RemoteObject{Type: runtime.TypeFunction}, invalidReturn},
		{"bigint", &runtime.RemoteObject{Type: runtime.TypeBigint, UnserializableValue: "1n"}, invalidReturn},
		{"object", &runtime.RemoteObject{Type: runtime.TypeObject, Value: jsontext.Value(`{"a":1}`)}, invalidReturn},
		{"nested object", &runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeArray, Value: jsontext.Value(`[1,{}]`)}, invalidReturn},
		{"no value", &runtime.RemoteObject{Type: runtime.TypeObject}, invalidReturn},
		{"negative zero", &runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "-0"}, codec.Encode(math.Copysign(0, -1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remoteValue(tt.obj))
		})
	}

	arr := remoteValue(&runtime.RemoteObject{Type: runtime.TypeObject, Subtype: runtime.SubtypeArray, Value: jsontext.Value(`[1,"a",null]`)})
	assert.Equal(t, codec.KindArray, arr.Kind)
	decoded, err := codec.Decode(arr)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), "a", nil}, decoded)

	inf := remoteValue(&runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "Infinity"})
	f, err := codec.Decode(inf)
	require.NoError(t, err)
	assert.True(t, math.IsInf(f.(float64), 1))
}

func TestExceptionText(t *testing.T) {
	ex := &runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "ReferenceError: x is not defined\n    at <anonymous>:1:1"},
	}
	assert.Equal(t, "ReferenceError: x is not defined", exceptionText(ex))
	assert.Equal(t, "Uncaught", exceptionText(&runtime.ExceptionDetails{Text: "Uncaught"}))
}

func TestConsole(t *testing.T) {
	assert.Equal(t, levelDefault, consoleLevel(runtime.APITypeLog))
	assert.Equal(t, levelVerbose, consoleLevel(runtime.APITypeDebug))
	assert.Equal(t, levelInfo, consoleLevel(runtime.APITypeInfo))
	assert.Equal(t, levelWarning, consoleLevel(runtime.APITypeWarning))
	assert.Equal(t, levelError, consoleLevel(runtime.APITypeAssert))

	args := []*runtime.RemoteObject{
		{Type: runtime.TypeString, Value: jsontext.Value(`"count"`)},
		{Type: runtime.TypeNumber, Value: jsontext.Value("3")},
		{Type: runtime.TypeNumber, UnserializableValue: "NaN"},
		{Type: runtime.TypeObject, Description: "Object"},
		{Type: runtime.TypeUndefined},
	}
	assert.Equal(t, "count 3 NaN Object undefined", consoleText(args))
}

func TestHeaders(t *testing.T) {
	h := httpHeader(network.Headers{"Accept": "text/html", "Set-Cookie": "a=1\nb=2"})
	assert.Equal(t, "text/html", h.Get("Accept"))
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))

	entries := headerEntries(http.Header{"X-B": {"2"}, "X-A": {"1", "1b"}})
	assert.Equal(t, []*fetch.HeaderEntry{
		{Name: "X-A", Value: "1"},
		{Name: "X-A", Value: "1b"},
		{Name: "X-B", Value: "2"},
	}, entries)
}

func TestHostPort(t *testing.T) {
	host, port := hostPort("https://Example.test/path")
	assert.Equal(t, "Example.test", host)
	assert.Equal(t, 443, port)

	host, port = hostPort("http://127.0.0.1:8080/")
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 8080, port)

	_, port = hostPort("http://plain.test")
	assert.Equal(t, 80, port)

	host, port = hostPort("::bad")
	assert.Empty(t, host)
	assert.Zero(t, port)
}

func TestRGBA(t *testing.T) {
	assert.Equal(t, &cdp.RGBA{R: 0x12, G: 0x34, B: 0x56, A: 1}, rgba(0xff123456))
	assert.Equal(t, &cdp.RGBA{R: 255, G: 255, B: 255, A: 0}, rgba(0x00ffffff))
}

func TestBindingCall(t *testing.T) {
	call, err := parseBindingCall(`{"index":2,"port":7,"args":[1,"x",true]}`)
	require.NoError(t, err)
	assert.Equal(t, 2, call.Index)
	assert.Equal(t, 7, call.Port)
	assert.Equal(t, []any{float64(1), "x", true}, call.Args)

	_, err = parseBindingCall(`{"index":2,"args":[]}`)
	assert.Error(t, err)
	_, err = parseBindingCall("not json")
	assert.Error(t, err)
}

func TestSettleScript(t *testing.T) {
	assert.Equal(t,
		`window.__browserhost && window.__browserhost.settle(3, true, "done")`,
		settleScript(3, codec.Encode("done")))
	assert.Equal(t,
		`window.__browserhost && window.__browserhost.settle(4, true, [1,"a"])`,
		settleScript(4, codec.Encode([]any{1, "a"})))
	assert.Equal(t,
		`window.__browserhost && window.__browserhost.settle(5, false, "nope")`,
		settleScript(5, codec.Value{Kind: codec.KindError, Payload: "nope"}))
	assert.Equal(t,
		`window.__browserhost && window.__browserhost.settle(6, true, null)`,
		settleScript(6, codec.Null))
}

func TestFunctionShim(t *testing.T) {
	shim := functionShim(`say"hi`, 9)
	assert.Contains(t, shim, `window["say\"hi"] = function`)
	assert.Contains(t, shim, "index: 9")
	assert.Contains(t, shim, "window."+bindingName+"(")
}
